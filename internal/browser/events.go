package browser

import (
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// bindingName is the function content.js calls to report back.
const bindingName = "__scalpelReplayEmit"

// payload is a notification sent by content.js through the binding.
type payload struct {
	Kind        string            `json:"kind"`
	DocumentID  string            `json:"documentId"`
	URL         string            `json:"url,omitempty"`
	Title       string            `json:"title,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Begin       bool              `json:"begin,omitempty"`
	Type        schemas.EventType `json:"type,omitempty"`
	Target      schemas.Target    `json:"target,omitempty"`
	Value       string            `json:"value,omitempty"`
}

func decodePayload(raw string) (payload, error) {
	var p payload
	if err := json.UnmarshalFromString(raw, &p); err != nil {
		return p, fmt.Errorf("malformed binding payload: %w", err)
	}
	if p.Kind == "" || p.DocumentID == "" {
		return p, fmt.Errorf("binding payload is missing kind or documentId")
	}
	return p, nil
}

type request struct {
	url      string
	document bool
}

// translator turns the CDP events of one tab into schemas messages. It is
// driven from the tab's listener and is not safe for concurrent use.
type translator struct {
	tabID    string
	url      string
	docID    string
	requests map[network.RequestID]request
	now      func() time.Time
}

func newTranslator(tabID string) *translator {
	return &translator{
		tabID:    tabID,
		requests: make(map[network.RequestID]request),
		now:      time.Now,
	}
}

// Chrome gives a page target's main frame the target's id.
func (t *translator) mainFrame(id cdp.FrameID) bool {
	return string(id) == t.tabID
}

func (t *translator) nav(kind schemas.NavigationKind, url string) schemas.NavigationEvent {
	return schemas.NavigationEvent{Kind: kind, TabID: t.tabID, URL: url, MainFrame: true}
}

func (t *translator) translate(ev any) []schemas.Message {
	switch e := ev.(type) {
	case *page.EventFrameStartedNavigating:
		if t.mainFrame(e.FrameID) {
			return []schemas.Message{t.nav(schemas.NavBeforeNavigate, e.URL)}
		}
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return nil
		}
		t.url = e.Frame.URL + e.Frame.URLFragment
		return []schemas.Message{t.nav(schemas.NavCommitted, t.url)}
	case *page.EventNavigatedWithinDocument:
		if t.mainFrame(e.FrameID) {
			t.url = e.URL
			return []schemas.Message{t.nav(schemas.NavCommitted, t.url)}
		}
	case *page.EventDomContentEventFired:
		return []schemas.Message{t.nav(schemas.NavContentLoaded, t.url)}
	case *page.EventLoadEventFired:
		return []schemas.Message{t.nav(schemas.NavCompleted, t.url)}
	case *page.EventJavascriptDialogOpening:
		return []schemas.Message{schemas.DialogEvent{TabID: t.tabID, Open: true, Message: e.Message}}
	case *page.EventJavascriptDialogClosed:
		return []schemas.Message{schemas.DialogEvent{TabID: t.tabID}}

	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return nil
		}
		req := request{url: e.Request.URL, document: e.Type == network.ResourceTypeDocument && t.mainFrame(e.FrameID)}
		kind := schemas.NetStart
		if _, seen := t.requests[e.RequestID]; seen && e.RedirectResponse != nil {
			kind = schemas.NetRedirect
		}
		t.requests[e.RequestID] = req
		return []schemas.Message{t.network(kind, e.RequestID, req)}
	case *network.EventResponseReceived:
		req, ok := t.requests[e.RequestID]
		if !ok {
			return nil
		}
		msg := t.network(schemas.NetHeaders, e.RequestID, req)
		if e.Response != nil {
			msg.StatusCode = int(e.Response.Status)
		}
		return []schemas.Message{msg}
	case *network.EventLoadingFinished:
		req, ok := t.requests[e.RequestID]
		if !ok {
			return nil
		}
		delete(t.requests, e.RequestID)
		return []schemas.Message{t.network(schemas.NetComplete, e.RequestID, req)}
	case *network.EventLoadingFailed:
		req, ok := t.requests[e.RequestID]
		if !ok {
			return nil
		}
		delete(t.requests, e.RequestID)
		msg := t.network(schemas.NetError, e.RequestID, req)
		msg.Error = e.ErrorText
		out := []schemas.Message{msg}
		if req.document && !e.Canceled {
			nav := t.nav(schemas.NavError, req.url)
			nav.Error = e.ErrorText
			out = append(out, nav)
		}
		return out

	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails == nil || t.docID == "" {
			return nil
		}
		return []schemas.Message{exceptionReport(t.docID, e.ExceptionDetails)}
	case *runtime.EventBindingCalled:
		if e.Name != bindingName {
			return nil
		}
		p, err := decodePayload(e.Payload)
		if err != nil {
			return nil
		}
		return t.fromPayload(p)
	}
	return nil
}

func (t *translator) network(kind schemas.NetworkKind, id network.RequestID, req request) schemas.NetworkEvent {
	return schemas.NetworkEvent{
		Kind:      kind,
		TabID:     t.tabID,
		RequestID: string(id),
		URL:       req.url,
		Document:  req.document,
	}
}

func (t *translator) fromPayload(p payload) []schemas.Message {
	switch p.Kind {
	case "connected":
		var out []schemas.Message
		if t.docID != "" && t.docID != p.DocumentID {
			out = append(out, schemas.DocumentDisconnected{TabID: t.tabID, DocumentID: t.docID})
		}
		t.docID = p.DocumentID
		return append(out, schemas.DocumentConnected{
			TabID:       t.tabID,
			DocumentID:  p.DocumentID,
			URL:         p.URL,
			Title:       p.Title,
			Fingerprint: p.Fingerprint,
			Tracked:     true,
		})
	case "disconnected":
		if p.DocumentID != t.docID {
			return nil
		}
		t.docID = ""
		return []schemas.Message{schemas.DocumentDisconnected{TabID: t.tabID, DocumentID: p.DocumentID}}
	case "mutation":
		return []schemas.Message{schemas.MutationEvent{TabID: t.tabID, DocumentID: p.DocumentID, Begin: p.Begin}}
	case "recorded":
		if !p.Type.Valid() {
			return nil
		}
		return []schemas.Message{schemas.RecordedEvent{
			TabID:      t.tabID,
			DocumentID: p.DocumentID,
			Type:       p.Type,
			Target:     p.Target,
			Value:      p.Value,
			At:         t.now(),
		}}
	}
	return nil
}

// detach reports the tab's live document as gone.
func (t *translator) detach() []schemas.Message {
	if t.docID == "" {
		return nil
	}
	id := t.docID
	t.docID = ""
	return []schemas.Message{schemas.DocumentDisconnected{TabID: t.tabID, DocumentID: id}}
}

func exceptionReport(docID string, d *runtime.ExceptionDetails) schemas.ExceptionReport {
	msg := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		msg = d.Exception.Description
		if i := strings.IndexByte(msg, '\n'); i > 0 {
			msg = msg[:i]
		}
	}
	var stack strings.Builder
	if d.StackTrace != nil {
		for _, f := range d.StackTrace.CallFrames {
			name := f.FunctionName
			if name == "" {
				name = "<anonymous>"
			}
			fmt.Fprintf(&stack, "%s (%s:%d:%d)\n", name, f.URL, f.LineNumber+1, f.ColumnNumber+1)
		}
	}
	return schemas.ExceptionReport{DocumentID: docID, Message: msg, Stack: strings.TrimSuffix(stack.String(), "\n")}
}
