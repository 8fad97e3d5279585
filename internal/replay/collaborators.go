package replay

import (
	"time"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
	"github.com/xkilldash9x/scalpel-replay/internal/runstate"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

// Host is the browser process. Calls return immediately; their effects come
// back to the session as NavigationEvent and TabEvent messages.
type Host interface {
	Tabs() []schemas.TabInfo
	CurrentURL(tabID string) string
	Navigate(tabID, url string) error
	OpenTab(url string, window bool) error
	CloseTab(tabID string) error
	FocusTab(tabID string) error
	DismissDialog(tabID string) error
}

// Content is the per-document content layer. Answers come back as
// ElementSearchResponse, KeywordSearchResponse, AssertionResponse,
// DispatchAck and DispatchComplete messages.
type Content interface {
	SearchElement(req schemas.ElementSearchRequest) error
	SearchKeyword(req schemas.KeywordSearchRequest) error
	EvaluateAssertion(req schemas.AssertionRequest) error
	DispatchEvent(req schemas.DispatchRequest) error
}

// TimeoutPrompt is what a Prompter shows when a timer fires.
type TimeoutPrompt struct {
	ID         uint64
	SessionID  string
	Category   string
	Status     schemas.StatusCode
	Event      schemas.EventRef
	EventLabel string
	Waited     time.Duration
}

// PromptAnswer is the user's reply to a TimeoutPrompt.
type PromptAnswer struct {
	ID     uint64
	Choice config.TimeoutChoice
}

// Prompter asks a user what to do about a timeout. reply may be called from
// any goroutine, at most once.
type Prompter interface {
	Prompt(p TimeoutPrompt, reply func(PromptAnswer))
}

// RunResult is handed to the ResultSink when a run ends.
type RunResult struct {
	RunID   string
	Status  schemas.StatusCode
	Message string
	Tree    *results.Tree
	// Script is the replayed script. Repaired is set when auto-repair raised
	// timeout preferences on it, so the caller can save it back.
	Script   *schemas.Script
	Repaired bool
}

// Err returns the run outcome as an error, nil on success.
func (r RunResult) Err() error {
	if r.Status == schemas.StatusSuccess {
		return nil
	}
	return &schemas.ReplayError{Code: r.Status, Message: r.Message}
}

// ResultSink receives finished runs on the session goroutine.
type ResultSink interface {
	RunFinished(r RunResult)
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(RunResult)

func (f ResultSinkFunc) RunFinished(r RunResult) { f(r) }

// SuspendSource is polled on the Status timer. While it reports true no new
// event is dispatched.
type SuspendSource interface {
	Suspended() bool
}

// Executor runs functions on the session goroutine.
type Executor interface {
	Post(f func()) bool
}

// Deps are the collaborators of a Session. Prompter, Sink, Suspend and the
// publishers may be nil.
type Deps struct {
	Host     Host
	Content  Content
	Prompter Prompter
	Sink     ResultSink
	Suspend  SuspendSource
	States   runstate.Publisher
	Nodes    results.NodePublisher
	// Clock must deliver callbacks on the session goroutine.
	Clock timeouts.Clock
	Exec  Executor
}
