package replay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

type deliverFunc func(schemas.Message)

// fakeHost is a browser with instant navigations.
type fakeHost struct {
	deliver     deliverFunc
	tabs        []schemas.TabInfo
	navigations []string
	httpStatus  map[string]int
	dismissed   []string
	// stuckDialogs leaves dismissed dialogs open.
	stuckDialogs bool
}

func newFakeHost(startURL string) *fakeHost {
	return &fakeHost{
		tabs:       []schemas.TabInfo{{ID: "tab-1", Title: "New Tab", URL: startURL, Active: true}},
		httpStatus: map[string]int{},
	}
}

func (f *fakeHost) Tabs() []schemas.TabInfo {
	return append([]schemas.TabInfo(nil), f.tabs...)
}

func (f *fakeHost) CurrentURL(tabID string) string {
	for _, t := range f.tabs {
		if t.ID == tabID {
			return t.URL
		}
	}
	return ""
}

func (f *fakeHost) Navigate(tabID, url string) error {
	f.navigations = append(f.navigations, url)
	for i := range f.tabs {
		if f.tabs[i].ID == tabID {
			f.tabs[i].URL = url
		}
	}
	if code := f.httpStatus[url]; code != 0 {
		f.deliver(schemas.NetworkEvent{
			Kind: schemas.NetHeaders, TabID: tabID, RequestID: "req-" + url, URL: url, StatusCode: code, Document: true,
		})
	}
	f.deliver(schemas.NavigationEvent{Kind: schemas.NavCommitted, TabID: tabID, URL: url, MainFrame: true})
	f.deliver(schemas.NavigationEvent{Kind: schemas.NavCompleted, TabID: tabID, URL: url, MainFrame: true})
	return nil
}

func (f *fakeHost) OpenTab(url string, window bool) error {
	tab := schemas.TabInfo{ID: fmt.Sprintf("tab-%d", len(f.tabs)+1), URL: url}
	f.tabs = append(f.tabs, tab)
	f.deliver(schemas.TabEvent{Kind: schemas.TabCreated, Tab: tab, Window: window})
	return nil
}

func (f *fakeHost) CloseTab(tabID string) error {
	for i, t := range f.tabs {
		if t.ID == tabID {
			f.tabs = append(f.tabs[:i], f.tabs[i+1:]...)
			f.deliver(schemas.TabEvent{Kind: schemas.TabRemoved, Tab: t})
			return nil
		}
	}
	return fmt.Errorf("no tab %s", tabID)
}

func (f *fakeHost) FocusTab(tabID string) error {
	for i := range f.tabs {
		f.tabs[i].Active = f.tabs[i].ID == tabID
		if f.tabs[i].Active {
			f.deliver(schemas.TabEvent{Kind: schemas.TabActivated, Tab: f.tabs[i]})
		}
	}
	return nil
}

func (f *fakeHost) DismissDialog(tabID string) error {
	f.dismissed = append(f.dismissed, tabID)
	if !f.stuckDialogs {
		f.deliver(schemas.DialogEvent{TabID: tabID, Open: false})
	}
	return nil
}

// fakeContent answers element searches through answer; a false ok holds the
// request until release.
type fakeContent struct {
	deliver     deliverFunc
	answer      func(req schemas.ElementSearchRequest) (found bool, score float64, ok bool)
	onDispatch  func(req schemas.DispatchRequest)
	keywords    map[string]bool
	searches    []schemas.ElementSearchRequest
	held        []schemas.ElementSearchRequest
	dispatched  []schemas.DispatchRequest
	keywordReqs []schemas.KeywordSearchRequest
}

func newFakeContent() *fakeContent {
	return &fakeContent{
		answer: func(schemas.ElementSearchRequest) (bool, float64, bool) {
			return true, 1, true
		},
		keywords: map[string]bool{},
	}
}

func (f *fakeContent) SearchElement(req schemas.ElementSearchRequest) error {
	f.searches = append(f.searches, req)
	found, score, ok := f.answer(req)
	if !ok {
		f.held = append(f.held, req)
		return nil
	}
	f.respond(req, found, score)
	return nil
}

func (f *fakeContent) respond(req schemas.ElementSearchRequest, found bool, score float64) {
	f.deliver(schemas.ElementSearchResponse{
		Generation: req.Generation,
		SearchID:   req.SearchID,
		DocumentID: req.DocumentID,
		Found:      found,
		Score:      score,
		ElementRef: "el:" + req.Target.Fingerprint,
	})
}

func (f *fakeContent) release() {
	held := f.held
	f.held = nil
	for _, req := range held {
		f.respond(req, true, 1)
	}
}

func (f *fakeContent) SearchKeyword(req schemas.KeywordSearchRequest) error {
	f.keywordReqs = append(f.keywordReqs, req)
	f.deliver(schemas.KeywordSearchResponse{
		Generation: req.Generation, ValidationID: req.ValidationID, DocumentID: req.DocumentID, Found: f.keywords[req.Keyword],
	})
	return nil
}

func (f *fakeContent) EvaluateAssertion(req schemas.AssertionRequest) error {
	f.deliver(schemas.AssertionResponse{
		Generation: req.Generation, ValidationID: req.ValidationID, DocumentID: req.DocumentID, Truthy: true,
	})
	return nil
}

func (f *fakeContent) DispatchEvent(req schemas.DispatchRequest) error {
	f.dispatched = append(f.dispatched, req)
	if f.onDispatch != nil {
		f.onDispatch(req)
	}
	f.deliver(schemas.DispatchAck{Generation: req.Generation, EventSeq: req.EventSeq, DocumentID: req.DocumentID})
	f.deliver(schemas.DispatchComplete{Generation: req.Generation, EventSeq: req.EventSeq, DocumentID: req.DocumentID})
	return nil
}

func (f *fakeContent) searchedTargets() []string {
	var out []string
	for _, s := range f.searches {
		if n := len(out); n == 0 || out[n-1] != s.Target.Fingerprint {
			out = append(out, s.Target.Fingerprint)
		}
	}
	return out
}

func (f *fakeContent) dispatchedSeqs() []int {
	var out []int
	for _, d := range f.dispatched {
		out = append(out, d.EventSeq)
	}
	return out
}

type fakePrompter struct {
	prompts []TimeoutPrompt
}

func (p *fakePrompter) Prompt(tp TimeoutPrompt, _ func(PromptAnswer)) {
	p.prompts = append(p.prompts, tp)
}

type recordingSink struct {
	results []RunResult
}

func (s *recordingSink) RunFinished(r RunResult) { s.results = append(s.results, r) }

// clockExec posts onto the virtual clock so that messages, timers and
// prompt answers share one deterministic queue.
type clockExec struct{ clock *timeouts.VirtualClock }

func (e clockExec) Post(f func()) bool {
	e.clock.AfterFunc(0, f)
	return true
}

type harness struct {
	t        *testing.T
	clock    *timeouts.VirtualClock
	exec     clockExec
	host     *fakeHost
	content  *fakeContent
	prompter *fakePrompter
	sink     *recordingSink
	session  *Session
}

func newHarness(t *testing.T, tune func(*config.ReplayConfig)) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	replayCfg := cfg.Replay()
	if tune != nil {
		tune(&replayCfg)
	}
	h := &harness{
		t:        t,
		clock:    timeouts.NewVirtualClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		host:     newFakeHost("chrome://newtab"),
		content:  newFakeContent(),
		prompter: &fakePrompter{},
		sink:     &recordingSink{},
	}
	h.exec = clockExec{clock: h.clock}
	h.host.deliver = h.deliver
	h.content.deliver = h.deliver

	s, err := NewSession("session-1", Options{
		Replay:   replayCfg,
		Activity: cfg.Activity(),
		LogRef:   "replay.log",
	}, Deps{
		Host:     h.host,
		Content:  h.content,
		Prompter: h.prompter,
		Sink:     h.sink,
		Clock:    h.clock,
		Exec:     h.exec,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.session = s
	return h
}

func (h *harness) deliver(msg schemas.Message) {
	h.exec.Post(func() { h.session.Handle(msg) })
}

func (h *harness) connect(docID, url string) {
	h.session.Handle(schemas.DocumentConnected{TabID: "tab-1", DocumentID: docID, URL: url, Tracked: true})
}

func (h *harness) start(script *schemas.Script) {
	h.t.Helper()
	require.NoError(h.t, h.session.Start(script, "run-1"))
}

func (h *harness) stepUntil(cond func() bool) {
	h.t.Helper()
	for i := 0; i < 10000 && !cond(); i++ {
		if !h.clock.Step() {
			break
		}
	}
	require.True(h.t, cond(), "condition never held")
}

func (h *harness) runToEnd() RunResult {
	h.t.Helper()
	h.stepUntil(func() bool { return len(h.sink.results) > 0 })
	require.Len(h.t, h.sink.results, 1)
	return h.sink.results[0]
}

func (h *harness) eventNode(seq int) *results.Node {
	h.t.Helper()
	n, ok := h.session.Results().Lookup(results.NodeKey(seq, results.NodeEvent, 0))
	require.True(h.t, ok, "no result node for event %d", seq)
	return n
}

// -- script builders --

func click(seq int, fingerprint string) schemas.Event {
	return schemas.Event{Seq: seq, Type: schemas.EventClick, Target: schemas.Target{Fingerprint: fingerprint}}
}

func navigate(seq int, url string) schemas.Event {
	return schemas.Event{Seq: seq, Type: schemas.EventNavigate, Value: url}
}

func scriptOf(events ...schemas.Event) *schemas.Script {
	return &schemas.Script{
		Name:    "checkout",
		Version: 1,
		Subscripts: []schemas.Subscript{{
			Name:    "main",
			Actions: []schemas.Action{{Seq: 100, Title: "login", Events: events}},
		}},
	}
}
