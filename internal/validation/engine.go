// Package validation runs the post-event checks attached to actions and
// events: script assertions evaluated in a document, and keyword searches
// over document text.
package validation

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/idtable"
	"github.com/xkilldash9x/scalpel-replay/internal/navtree"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

// ErrBusy is returned by Run while a previous run is still in progress.
var ErrBusy = errors.New("validation: a run is already in progress")

// Content sends validation requests to the content layer. Answers come back
// through HandleKeywordResponse and HandleAssertionResponse.
type Content interface {
	SearchKeyword(req schemas.KeywordSearchRequest) error
	EvaluateAssertion(req schemas.AssertionRequest) error
}

// Options tunes retry and polling behaviour.
type Options struct {
	// KeywordRetries is how many times a missing keyword is searched again
	// before the validation triggers. The last retry is broadcast.
	KeywordRetries int
	// PollDelay is the re-poll interval of continue-waiting validations and
	// the unit of the keyword retry backoff.
	PollDelay time.Duration
}

// Request is one batch of validations, belonging to an action or event.
type Request struct {
	Ref         schemas.EventRef
	Validations []schemas.Validation
	// DocumentID is the document the event acted on; assertions without
	// their own DocumentID are evaluated there.
	DocumentID string
	// Timeout is the event budget. It bounds keyword retries and sets the
	// continue-waiting deadline.
	Timeout time.Duration
}

// Result is the final state of one validation.
type Result struct {
	Index    int
	Kind     schemas.ValidationKind
	State    State
	Attempts int
}

// Outcome is reported once per Run.
type Outcome struct {
	Status  schemas.StatusCode
	Message string
	// Index is the validation that triggered, or -1.
	Index int
	// RunSubscript is set when a runSubscript validation triggered.
	RunSubscript bool
	Subscript    int
	Results      []Result
}

// DoneFunc receives the outcome of a run.
type DoneFunc func(Outcome)

type activeValidation struct {
	id            uint32
	generation    uint64
	index         int
	responsesLeft map[string]struct{}
	hit           bool
	errs          []string
}

type run struct {
	req    Request
	done   DoneFunc
	order  []int
	pos    int
	budget time.Time

	state    State
	attempt  int
	deadline time.Time
	timer    timeouts.Stopper
	results  []Result
}

// Engine evaluates one Request at a time. Like the resolver it is driven from
// the session goroutine; clock callbacks must be delivered there too.
type Engine struct {
	tree    *navtree.Tree
	content Content
	clock   timeouts.Clock
	opts    Options
	logger  *zap.Logger

	active     *idtable.Table[*activeValidation]
	generation uint64
	cur        *run
}

// NewEngine creates an Engine.
func NewEngine(tree *navtree.Tree, content Content, clock timeouts.Clock, opts Options, logger *zap.Logger) *Engine {
	if opts.KeywordRetries < 0 {
		opts.KeywordRetries = 0
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = 250 * time.Millisecond
	}
	return &Engine{
		tree:    tree,
		content: content,
		clock:   clock,
		opts:    opts,
		logger:  logger.Named("validation"),
		active:  idtable.New[*activeValidation](),
	}
}

// SetGeneration cancels any run and retires all outstanding requests.
func (e *Engine) SetGeneration(g uint64) {
	e.Cancel()
	e.generation = g
}

// Pending reports whether a run is in progress.
func (e *Engine) Pending() bool { return e.cur != nil }

// State is the state of the validation currently being evaluated.
func (e *Engine) State() State {
	if e.cur == nil {
		return Pending{}
	}
	return e.cur.state
}

// Active is the number of outstanding validation requests.
func (e *Engine) Active() int { return e.active.Len() }

// Cancel abandons the current run without reporting an outcome.
func (e *Engine) Cancel() {
	if e.cur != nil && e.cur.timer != nil {
		e.cur.timer.Stop()
	}
	e.cur = nil
	e.active.Clear()
}

// Run evaluates req.Validations: assertions first, then keywords, each in
// index order. done is called exactly once, possibly before Run returns.
func (e *Engine) Run(req Request, done DoneFunc) error {
	if e.cur != nil {
		return ErrBusy
	}
	r := &run{
		req:    req,
		done:   done,
		order:  Order(req.Validations),
		budget: e.clock.Now().Add(req.Timeout),
	}
	e.cur = r
	e.startNext(r)
	return nil
}

// Order returns validation indexes with script assertions first.
func Order(vs []schemas.Validation) []int {
	out := make([]int, 0, len(vs))
	for i, v := range vs {
		if v.Kind == schemas.ValidationScript {
			out = append(out, i)
		}
	}
	for i, v := range vs {
		if v.Kind != schemas.ValidationScript {
			out = append(out, i)
		}
	}
	return out
}

func (e *Engine) startNext(r *run) {
	if r.pos >= len(r.order) {
		e.finish(r, Outcome{Status: schemas.StatusSuccess, Index: -1})
		return
	}
	r.state = Pending{}
	r.attempt = 0
	r.deadline = time.Time{}
	e.search(r)
}

func (e *Engine) validation(r *run) (int, schemas.Validation) {
	idx := r.order[r.pos]
	return idx, r.req.Validations[idx]
}

// targets picks the documents for the current attempt.
func (e *Engine) targets(r *run, v schemas.Validation, broadcastAll bool) ([]string, bool) {
	if broadcastAll {
		var ids []string
		for _, d := range e.tree.Documents() {
			ids = append(ids, d.ID)
		}
		return ids, true
	}
	docID := v.DocumentID
	if docID == "" && v.Kind == schemas.ValidationScript {
		docID = r.req.DocumentID
	}
	if docID != "" {
		if _, ok := e.tree.Document(docID); ok {
			return []string{docID}, false
		}
	}
	var ids []string
	for _, d := range e.tree.Documents() {
		if d.Tracked {
			ids = append(ids, d.ID)
		}
	}
	return ids, true
}

func (e *Engine) search(r *run) {
	idx, v := e.validation(r)
	r.attempt++
	// The final retry of an absent keyword looks at every document in case a
	// new one appeared. Continue-waiting polls stay on their document.
	final := v.Kind == schemas.ValidationKeyword &&
		v.ErrorType == schemas.TriggerIfAbsent &&
		v.ActionType != schemas.ActionContinueWaiting &&
		r.attempt > 1 && r.attempt == e.opts.KeywordRetries+1
	docs, broadcast := e.targets(r, v, final)

	av := &activeValidation{generation: e.generation, index: idx, responsesLeft: map[string]struct{}{}}
	id, err := e.active.Insert(av)
	if err != nil {
		e.finish(r, Outcome{Status: schemas.StatusInternalError, Message: err.Error(), Index: idx})
		return
	}
	av.id = id
	e.transition(r, Searching{ID: id, Attempt: r.attempt, Broadcast: broadcast})
	e.logger.Debug("Running validation.",
		zap.Int("index", idx),
		zap.String("kind", string(v.Kind)),
		zap.Int("attempt", r.attempt),
		zap.Int("documents", len(docs)))

	for _, d := range docs {
		av.responsesLeft[d] = struct{}{}
	}
	if len(docs) == 0 {
		e.evaluate(r, av)
		return
	}
	for _, d := range docs {
		if cur, ok := e.active.Get(id); !ok || cur != av {
			return
		}
		var err error
		if v.Kind == schemas.ValidationScript {
			err = e.content.EvaluateAssertion(schemas.AssertionRequest{
				Generation: e.generation, ValidationID: id, DocumentID: d, Expression: v.Expression,
			})
		} else {
			err = e.content.SearchKeyword(schemas.KeywordSearchRequest{
				Generation: e.generation, ValidationID: id, DocumentID: d, Keyword: v.Keyword,
			})
		}
		if err != nil {
			e.logger.Warn("Validation request failed; treating as no match.",
				zap.Uint32("validation_id", id), zap.String("document", d), zap.Error(err))
			e.answer(av, d, false, err.Error())
		}
	}
}

// HandleKeywordResponse folds in a keyword answer. It returns false for stale
// or unknown responses.
func (e *Engine) HandleKeywordResponse(resp schemas.KeywordSearchResponse) bool {
	av, ok := e.lookup(resp.Generation, resp.ValidationID, resp.DocumentID)
	if !ok {
		return false
	}
	e.answer(av, resp.DocumentID, resp.Found, "")
	return true
}

// HandleAssertionResponse folds in an assertion answer.
func (e *Engine) HandleAssertionResponse(resp schemas.AssertionResponse) bool {
	av, ok := e.lookup(resp.Generation, resp.ValidationID, resp.DocumentID)
	if !ok {
		return false
	}
	e.answer(av, resp.DocumentID, resp.Truthy && resp.Error == "", resp.Error)
	return true
}

// HandleDisconnect answers "no match" for a document that went away.
func (e *Engine) HandleDisconnect(docID string) {
	for _, id := range e.active.IDs() {
		av, ok := e.active.Get(id)
		if !ok {
			continue
		}
		if _, waiting := av.responsesLeft[docID]; waiting {
			e.answer(av, docID, false, "document disconnected")
		}
	}
}

func (e *Engine) lookup(gen uint64, id uint32, docID string) (*activeValidation, bool) {
	if gen != e.generation {
		return nil, false
	}
	av, ok := e.active.Get(id)
	if !ok {
		return nil, false
	}
	if _, waiting := av.responsesLeft[docID]; !waiting {
		return nil, false
	}
	return av, true
}

func (e *Engine) answer(av *activeValidation, docID string, hit bool, errText string) {
	delete(av.responsesLeft, docID)
	if errText != "" {
		av.errs = append(av.errs, docID+": "+errText)
	}
	if hit {
		av.hit = true
	}
	// One hit settles the question; remaining answers are not needed.
	if av.hit || len(av.responsesLeft) == 0 {
		if r := e.cur; r != nil {
			e.evaluate(r, av)
		}
	}
}

func (e *Engine) evaluate(r *run, av *activeValidation) {
	e.active.Delete(av.id)
	idx, v := e.validation(r)
	if idx != av.index {
		return
	}
	triggered := av.hit == (v.ErrorType == schemas.TriggerIfPresent)
	if !triggered {
		e.record(r, idx, v, Passed{})
		r.pos++
		e.startNext(r)
		return
	}

	now := e.clock.Now()
	switch v.ActionType {
	case schemas.ActionContinueWaiting:
		if r.deadline.IsZero() {
			r.deadline = now.Add(r.req.Timeout)
		}
		if !now.Before(r.deadline) {
			e.trigger(r, idx, v, schemas.StatusValidationFailure,
				fmt.Sprintf("validation %d still unmet after %s", idx, r.req.Timeout))
			return
		}
		e.transition(r, Waiting{Deadline: r.deadline})
		e.schedule(r, e.opts.PollDelay)
		return
	}

	if v.Kind == schemas.ValidationKeyword && v.ErrorType == schemas.TriggerIfAbsent && r.attempt <= e.opts.KeywordRetries {
		if delay, ok := e.retryDelay(r, now); ok {
			e.transition(r, Sleeping{Attempt: r.attempt, Until: now.Add(delay)})
			e.schedule(r, delay)
			return
		}
		e.logger.Debug("Event budget exhausted; not retrying keyword.", zap.Int("index", idx))
	}

	switch v.ActionType {
	case schemas.ActionCustomError:
		e.trigger(r, idx, v, schemas.StatusCustomError, v.Message)
	case schemas.ActionRunSubscript:
		e.record(r, idx, v, Triggered{Status: schemas.StatusSuccess})
		out := Outcome{Status: schemas.StatusSuccess, Index: idx, RunSubscript: true, Subscript: v.Subscript}
		e.finish(r, out)
	default:
		e.trigger(r, idx, v, schemas.StatusValidationFailure, describe(v, av))
	}
}

// retryDelay shrinks with each attempt and never exceeds half of what is
// left of the event budget.
func (e *Engine) retryDelay(r *run, now time.Time) (time.Duration, bool) {
	remaining := r.budget.Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	left := e.opts.KeywordRetries - r.attempt + 1
	half := remaining / 2
	delay := e.opts.PollDelay
	// Doubling stops at half, so large retry counts cannot overflow.
	for i := 0; i < left && delay > 0 && delay < half; i++ {
		delay *= 2
	}
	if delay > half {
		delay = half
	}
	return delay, true
}

func (e *Engine) schedule(r *run, d time.Duration) {
	gen := e.generation
	r.timer = e.clock.AfterFunc(d, func() {
		if e.cur != r || e.generation != gen {
			return
		}
		r.timer = nil
		e.search(r)
	})
}

func (e *Engine) trigger(r *run, idx int, v schemas.Validation, code schemas.StatusCode, msg string) {
	e.record(r, idx, v, Triggered{Status: code})
	if msg == "" {
		msg = describe(v, nil)
	}
	e.finish(r, Outcome{Status: code, Message: msg, Index: idx})
}

func (e *Engine) record(r *run, idx int, v schemas.Validation, s State) {
	e.transition(r, s)
	r.results = append(r.results, Result{Index: idx, Kind: v.Kind, State: s, Attempts: r.attempt})
}

func (e *Engine) transition(r *run, to State) {
	if r.state != nil && !canTransition(r.state, to) {
		e.logger.Error("Invalid validation state transition.",
			zap.Stringer("from", r.state), zap.Stringer("to", to))
	}
	r.state = to
}

func (e *Engine) finish(r *run, out Outcome) {
	if e.cur != r {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	e.cur = nil
	out.Results = r.results
	if out.Status != schemas.StatusSuccess {
		e.logger.Info("Validation triggered.",
			zap.Stringer("status", out.Status),
			zap.Int("index", out.Index),
			zap.String("message", out.Message))
	}
	if r.done != nil {
		r.done(out)
	}
}

func describe(v schemas.Validation, av *activeValidation) string {
	var msg string
	switch {
	case v.Kind == schemas.ValidationScript && v.ErrorType == schemas.TriggerIfPresent:
		msg = fmt.Sprintf("assertion %q is true", v.Expression)
	case v.Kind == schemas.ValidationScript:
		msg = fmt.Sprintf("assertion %q is false", v.Expression)
	case v.ErrorType == schemas.TriggerIfPresent:
		msg = fmt.Sprintf("keyword %q present", v.Keyword)
	default:
		msg = fmt.Sprintf("keyword %q not found", v.Keyword)
	}
	if av != nil && len(av.errs) > 0 {
		msg += fmt.Sprintf(" (%d errors, first: %s)", len(av.errs), av.errs[0])
	}
	return msg
}
