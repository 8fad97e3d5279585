package schemas

import "time"

// -- Collaborator Messages --
//
// Requests are sent to the host browser and content layer. Everything that
// comes back is a Message, delivered onto the session loop. Requests carry
// the session generation and the responses echo it so stale replies can be
// rejected.

// Message is implemented by every inbound collaborator message.
type Message interface {
	isMessage()
}

// TabInfo describes a live tab.
type TabInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// ElementSearchRequest asks one document to locate a recorded target.
type ElementSearchRequest struct {
	Generation uint64 `json:"generation"`
	SearchID   uint32 `json:"searchId"`
	DocumentID string `json:"documentId"`
	Target     Target `json:"target"`
}

// ElementSearchResponse is a document's answer to an ElementSearchRequest.
type ElementSearchResponse struct {
	Generation uint64  `json:"generation"`
	SearchID   uint32  `json:"searchId"`
	DocumentID string  `json:"documentId"`
	Found      bool    `json:"found"`
	Score      float64 `json:"score"`
	ElementRef string  `json:"elementRef,omitempty"`
}

// KeywordSearchRequest asks a document whether its text contains a keyword.
type KeywordSearchRequest struct {
	Generation   uint64 `json:"generation"`
	ValidationID uint32 `json:"validationId"`
	DocumentID   string `json:"documentId"`
	Keyword      string `json:"keyword"`
}

// KeywordSearchResponse answers a KeywordSearchRequest.
type KeywordSearchResponse struct {
	Generation   uint64 `json:"generation"`
	ValidationID uint32 `json:"validationId"`
	DocumentID   string `json:"documentId"`
	Found        bool   `json:"found"`
}

// AssertionRequest evaluates a script expression in a document.
type AssertionRequest struct {
	Generation   uint64 `json:"generation"`
	ValidationID uint32 `json:"validationId"`
	DocumentID   string `json:"documentId"`
	Expression   string `json:"expression"`
}

// AssertionResponse carries the truthiness of an evaluated assertion.
type AssertionResponse struct {
	Generation   uint64 `json:"generation"`
	ValidationID uint32 `json:"validationId"`
	DocumentID   string `json:"documentId"`
	Truthy       bool   `json:"truthy"`
	Error        string `json:"error,omitempty"`
}

// DispatchRequest asks the content layer to synthesize an event on a resolved element.
type DispatchRequest struct {
	Generation uint64    `json:"generation"`
	EventSeq   int       `json:"eventSeq"`
	DocumentID string    `json:"documentId"`
	ElementRef string    `json:"elementRef"`
	Type       EventType `json:"type"`
	Value      string    `json:"value,omitempty"`
}

// DispatchAck confirms the content layer accepted a DispatchRequest.
type DispatchAck struct {
	Generation uint64 `json:"generation"`
	EventSeq   int    `json:"eventSeq"`
	DocumentID string `json:"documentId"`
}

// DispatchComplete reports that the synthesized event finished running.
type DispatchComplete struct {
	Generation uint64 `json:"generation"`
	EventSeq   int    `json:"eventSeq"`
	DocumentID string `json:"documentId"`
	Error      string `json:"error,omitempty"`
}

// ExceptionReport is an uncaught exception raised inside the content layer.
type ExceptionReport struct {
	DocumentID string `json:"documentId"`
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
}

// DocumentConnected announces a document the content layer can now serve.
type DocumentConnected struct {
	TabID       string       `json:"tabId"`
	DocumentID  string       `json:"documentId"`
	URL         string       `json:"url"`
	Title       string       `json:"title,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Breadcrumbs []Breadcrumb `json:"breadcrumbs,omitempty"`
	Tracked     bool         `json:"tracked"`
}

// DocumentDisconnected announces that a document went away.
type DocumentDisconnected struct {
	TabID      string `json:"tabId"`
	DocumentID string `json:"documentId"`
}

// NavigationKind is a navigation lifecycle stage.
type NavigationKind string

const (
	NavBeforeNavigate NavigationKind = "beforeNavigate"
	NavCommitted      NavigationKind = "committed"
	NavCompleted      NavigationKind = "completed"
	NavContentLoaded  NavigationKind = "contentLoaded"
	NavError          NavigationKind = "error"
)

// NavigationEvent is a navigation lifecycle notification for a tab.
type NavigationEvent struct {
	Kind      NavigationKind `json:"kind"`
	TabID     string         `json:"tabId"`
	URL       string         `json:"url"`
	MainFrame bool           `json:"mainFrame"`
	Error     string         `json:"error,omitempty"`
}

// NetworkKind is a network request lifecycle stage.
type NetworkKind string

const (
	NetStart        NetworkKind = "start"
	NetRedirect     NetworkKind = "redirect"
	NetHeaders      NetworkKind = "headers"
	NetComplete     NetworkKind = "complete"
	NetError        NetworkKind = "error"
	NetAuthRequired NetworkKind = "authRequired"
)

// NetworkEvent is a network request lifecycle notification.
type NetworkEvent struct {
	Kind       NetworkKind `json:"kind"`
	TabID      string      `json:"tabId"`
	RequestID  string      `json:"requestId"`
	URL        string      `json:"url"`
	StatusCode int         `json:"statusCode,omitempty"`
	Document   bool        `json:"document"`
	Error      string      `json:"error,omitempty"`
}

// TabEventKind is a tab lifecycle stage.
type TabEventKind string

const (
	TabCreated   TabEventKind = "created"
	TabRemoved   TabEventKind = "removed"
	TabActivated TabEventKind = "activated"
	TabUpdated   TabEventKind = "updated"
)

// TabEvent is a tab/window lifecycle notification.
type TabEvent struct {
	Kind   TabEventKind `json:"kind"`
	Tab    TabInfo      `json:"tab"`
	Window bool         `json:"window"`
}

// DialogEvent reports a JavaScript dialog opening or closing.
type DialogEvent struct {
	TabID   string `json:"tabId"`
	Open    bool   `json:"open"`
	Message string `json:"message,omitempty"`
}

// MutationEvent reports DOM mutation activity starting or settling in a document.
type MutationEvent struct {
	TabID      string `json:"tabId"`
	DocumentID string `json:"documentId"`
	Begin      bool   `json:"begin"`
}

// DownloadEvent reports download lifecycle.
type DownloadEvent struct {
	TabID    string `json:"tabId"`
	GUID     string `json:"guid"`
	URL      string `json:"url"`
	Finished bool   `json:"finished"`
}

// RecordedEvent is a user interaction captured while recording.
type RecordedEvent struct {
	TabID      string        `json:"tabId"`
	DocumentID string        `json:"documentId"`
	Type       EventType     `json:"type"`
	Target     Target        `json:"target"`
	Tab        TabDescriptor `json:"tab"`
	Value      string        `json:"value,omitempty"`
	At         time.Time     `json:"at"`
}

func (ElementSearchResponse) isMessage() {}
func (KeywordSearchResponse) isMessage() {}
func (AssertionResponse) isMessage()     {}
func (DispatchAck) isMessage()           {}
func (DispatchComplete) isMessage()      {}
func (ExceptionReport) isMessage()       {}
func (DocumentConnected) isMessage()     {}
func (DocumentDisconnected) isMessage()  {}
func (NavigationEvent) isMessage()       {}
func (NetworkEvent) isMessage()          {}
func (TabEvent) isMessage()              {}
func (DialogEvent) isMessage()           {}
func (MutationEvent) isMessage()         {}
func (DownloadEvent) isMessage()         {}
func (RecordedEvent) isMessage()         {}
