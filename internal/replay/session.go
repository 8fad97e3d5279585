// Package replay drives a recorded script against a live browser. A Session
// owns every piece of replay state and is only ever touched from one
// goroutine: timer callbacks, collaborator messages, prompt answers and
// control calls are all funneled onto it.
package replay

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/activity"
	"github.com/xkilldash9x/scalpel-replay/internal/branching"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/navtree"
	"github.com/xkilldash9x/scalpel-replay/internal/recorder"
	"github.com/xkilldash9x/scalpel-replay/internal/resolver"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
	"github.com/xkilldash9x/scalpel-replay/internal/runstate"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
	"github.com/xkilldash9x/scalpel-replay/internal/validation"
)

const blankURL = "about:blank"

var (
	ErrNoScript     = errors.New("replay: no script loaded")
	ErrBusy         = errors.New("replay: session is already running")
	ErrNotRecording = errors.New("replay: session is not recording")
)

// Options configures a Session.
type Options struct {
	Replay   config.ReplayConfig
	Activity config.ActivityConfig
	// LogRef is stored on every finished result tree.
	LogRef string
}

type mutationPhase int

const (
	mutationNone mutationPhase = iota
	mutationAwaitBegin
	mutationAwaitEnd
)

// inflight is the event currently being replayed.
type inflight struct {
	ref    schemas.EventRef
	ev     *schemas.Event
	label  string
	action *results.Node
	node   *results.Node
	status schemas.StatusCode

	docID    string
	tabID    string
	searchID uint32

	locationsLeft int
	mutation      mutationPhase
	// Activity seen between dispatch and settling still counts toward the
	// event's hints.
	earlyCommits int
	sawBegin     bool
	sawEnd       bool
}

type pendingPrompt struct {
	id   uint64
	cat  timeouts.Category
	code schemas.StatusCode
	msg  string
}

// Session is a ReplaySession: one browser, one script at a time.
type Session struct {
	id     string
	opts   Options
	deps   Deps
	logger *zap.Logger
	clock  timeouts.Clock

	tree      *navtree.Tree
	tracker   *activity.Tracker
	resolver  *resolver.Resolver
	validator *validation.Engine
	timers    *timeouts.Coordinator
	state     *runstate.Controller

	// known holds every connected document so each pass can rebuild the
	// navigation tree from scratch.
	known    map[string]schemas.DocumentConnected
	knownSeq map[string]uint64
	docSeq   uint64

	generation uint64

	script   *schemas.Script
	runID    string
	branches *branching.Controller
	results  *results.Tree
	cursor   Cursor
	dispatch DispatchState
	cur      *inflight

	preloaded         bool
	draining          bool
	drainDelay        time.Duration
	warnings          int
	skipped           int
	exceptions        int
	prompt            *pendingPrompt
	promptSeq         uint64
	repaired          bool
	suspendedBySource bool
	httpErrors        map[string]bool

	recorder *recorder.Recorder
}

// NewSession wires the engine components around the collaborators.
func NewSession(id string, opts Options, deps Deps, logger *zap.Logger) (*Session, error) {
	if deps.Host == nil || deps.Content == nil {
		return nil, errors.New("replay: host and content collaborators are required")
	}
	if deps.Exec == nil {
		return nil, errors.New("replay: an executor is required")
	}
	if deps.Clock == nil {
		deps.Clock = timeouts.SystemClock{}
	}
	if id == "" {
		id = uuid.NewString()
	}
	log := logger.Named("replay").With(zap.String("session_id", id))

	tracker, err := activity.NewTracker(opts.Activity.IgnoreURLPatterns, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create activity tracker: %w", err)
	}

	s := &Session{
		id:       id,
		opts:     opts,
		deps:     deps,
		logger:   log,
		clock:    deps.Clock,
		tree:     navtree.New(),
		tracker:  tracker,
		known:    make(map[string]schemas.DocumentConnected),
		knownSeq: make(map[string]uint64),
		dispatch: Idle{},
	}
	s.resolver = resolver.New(s.tree, deps.Content, resolver.Options{
		HailMaryDiscount:        opts.Replay.HailMaryDiscount,
		CombinedThresholdFactor: opts.Replay.CombinedThresholdFactor,
	}, log)
	s.validator = validation.NewEngine(s.tree, deps.Content, deps.Clock, validation.Options{
		KeywordRetries: opts.Replay.KeywordRetries,
		PollDelay:      opts.Replay.ValidationPollDelay,
	}, log)
	s.timers = timeouts.NewCoordinator(deps.Clock, timeouts.Options{
		Durations:    timeouts.Durations(opts.Replay.Timeouts),
		GraceRetries: opts.Replay.GraceRetries,
		GraceWindow:  opts.Replay.GraceWindow,
	}, log, s.fire)
	s.state = runstate.New(id, deps.States, log)
	s.state.SetClock(deps.Clock.Now)
	return s, nil
}

// ID is the session id.
func (s *Session) ID() string { return s.id }

// Generation increments on every start and stop.
func (s *Session) Generation() uint64 { return s.generation }

// State exposes the run-state controller. Its reads are safe from any goroutine.
func (s *Session) State() *runstate.Controller { return s.state }

// Dispatch is the lifecycle state of the in-flight event.
func (s *Session) Dispatch() DispatchState { return s.dispatch }

// Results is the result tree of the current or last run.
func (s *Session) Results() *results.Tree { return s.results }

// Start begins replaying script. An empty runID gets a fresh UUID.
func (s *Session) Start(script *schemas.Script, runID string) (err error) {
	defer s.recoverPanic("start")
	if script == nil || len(script.Subscripts) == 0 {
		s.state.SetRunMode(schemas.ModeStopped, schemas.RunTypeNoScriptStop)
		return ErrNoScript
	}
	if s.script != nil || s.recorder != nil {
		return ErrBusy
	}

	s.generation++
	s.resolver.SetGeneration(s.generation)
	s.validator.SetGeneration(s.generation)
	s.timers.StopAll()
	s.timers.ResetMultipliers()

	if runID == "" {
		runID = uuid.NewString()
	}
	s.script, s.runID = script, runID
	s.branches = branching.New(script, s.logger)
	s.results = results.NewTree(s.id, runID, script.Name, s.deps.Nodes, s.clock.Now)
	s.cursor = Cursor{}
	s.dispatch, s.cur = Idle{}, nil
	s.preloaded = !s.opts.Replay.PreloadBlank
	s.draining = false
	s.warnings, s.skipped, s.exceptions = 0, 0, 0
	s.prompt, s.repaired, s.suspendedBySource = nil, false, false
	s.httpErrors = make(map[string]bool)
	s.rebuildTree()

	if !s.state.SetRunMode(schemas.ModeReplay, schemas.RunTypeReplaying) {
		s.script = nil
		return ErrBusy
	}
	s.publishProgress()
	s.logger.Info("Replay started.",
		zap.String("run_id", runID),
		zap.String("script", script.Name),
		zap.Int("events", script.EventCount(0)),
		zap.Uint64("generation", s.generation))
	s.armStatusPoll()
	s.schedule(0)
	return nil
}

// Stop aborts the current run or ends a recording.
func (s *Session) Stop() {
	defer s.recoverPanic("stop")
	if s.recorder != nil {
		_, _ = s.StopRecording()
		return
	}
	if s.script == nil {
		return
	}
	if s.cur != nil {
		s.results.Skip(s.cur.node, schemas.StatusSuccess, "stopped by user")
	}
	s.finalize(schemas.StatusSuccess, "stopped by user", schemas.RunTypeAbortedStop)
}

// Pause holds replay before the next event.
func (s *Session) Pause() {
	defer s.recoverPanic("pause")
	s.state.SetRunMode(schemas.ModePaused, schemas.RunTypeNone)
}

// Suspend stops event delivery without leaving the current mode.
func (s *Session) Suspend() {
	defer s.recoverPanic("suspend")
	s.state.SetRunMode(schemas.ModeSuspend, schemas.RunTypeNone)
}

// Resume undoes Pause or Suspend.
func (s *Session) Resume() {
	defer s.recoverPanic("resume")
	if s.state.SetRunMode(schemas.ModeResume, schemas.RunTypeNone) && s.script != nil {
		s.schedule(0)
	}
}

// rebuildTree starts a pass with a fresh navigation tree built from the
// host's tabs and the documents currently connected.
func (s *Session) rebuildTree() {
	s.tree.Reset()
	s.tracker.Reset()
	for _, tab := range s.deps.Host.Tabs() {
		s.tree.AddBrowser(tab.ID, tab.Title)
		s.tracker.Track(tab.ID)
	}
	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.knownSeq[ids[i]] < s.knownSeq[ids[j]] })
	for _, id := range ids {
		s.tree.AddDocument(s.known[id])
	}
}

func (s *Session) schedule(d time.Duration) {
	s.timers.RestartAfter(timeouts.ReplayLoop, d)
}

func (s *Session) armStatusPoll() {
	if s.deps.Suspend == nil {
		return
	}
	d := s.opts.Replay.SuspendPollInterval
	if d <= 0 {
		d = s.timers.Duration(timeouts.Status)
	}
	s.timers.RestartAfter(timeouts.Status, d)
}

// fire is the coordinator callback for every category.
func (s *Session) fire(cat timeouts.Category) {
	defer s.recoverPanic("timer " + cat.String())
	if s.script == nil {
		return
	}
	switch cat {
	case timeouts.ReplayLoop:
		s.advance()
	case timeouts.Ready:
		if _, idle := s.dispatch.(Idle); idle && s.cur != nil {
			s.dispatchCurrent()
		}
	case timeouts.Status:
		s.pollSuspend()
	case timeouts.Shutdown:
		if s.draining {
			s.logger.Warn("Replay did not go idle before the shutdown timer; finishing anyway.",
				zap.Any("busy", s.tracker.Reasons()))
			s.finalize(schemas.StatusSuccess, "", schemas.RunTypeCompletedStop)
		}
	default:
		s.timedOut(cat)
	}
}

func (s *Session) pollSuspend() {
	want := s.deps.Suspend.Suspended()
	switch {
	case want && s.state.EventsEnabled():
		s.suspendedBySource = true
		s.state.SetRunMode(schemas.ModeSuspend, schemas.RunTypeNone)
	case !want && s.suspendedBySource:
		s.suspendedBySource = false
		s.state.SetRunMode(schemas.ModeResume, schemas.RunTypeNone)
	}
	s.armStatusPoll()
}

// advance is one pass of the replay loop.
func (s *Session) advance() {
	if s.draining {
		s.drainTick()
		return
	}
	if s.cur != nil {
		return
	}
	if _, idle := s.dispatch.(Idle); !idle {
		return
	}

	wait := s.blocked()
	s.armGate(wait)
	if wait != schemas.WaitNone {
		s.state.SetWaitType(wait)
		s.schedule(s.opts.Replay.CheckpointRetry)
		return
	}

	ref, ok := s.cursor.Next(s.script)
	if !ok {
		s.beginDrain()
		return
	}
	s.start(ref)
}

// gateTimers bounds the checkpoint waits that depend on the page. Paused,
// suspended and prompt waits are the user's and stay unbounded.
var gateTimers = map[schemas.WaitType]timeouts.Category{
	schemas.WaitNetwork:    timeouts.Network,
	schemas.WaitLoadingDoc: timeouts.Navigation,
	schemas.WaitMutations:  timeouts.MutationEnd,
	schemas.WaitDialog:     timeouts.Event,
	schemas.WaitValidating: timeouts.Event,
}

// armGate keeps exactly the timer bounding wait running. A timer already
// running for the same reason is left alone so repeated checkpoints do not
// push its deadline out.
func (s *Session) armGate(wait schemas.WaitType) {
	want, bounded := gateTimers[wait]
	for _, cat := range []timeouts.Category{timeouts.Network, timeouts.Navigation, timeouts.MutationEnd, timeouts.Event} {
		if !bounded || cat != want {
			s.timers.Stop(cat)
		}
	}
	if bounded && !s.timers.Active(want) {
		s.timers.Restart(want)
	}
}

// blocked is the checkpoint gate. It names the first reason replay may not
// move on, or WaitNone.
func (s *Session) blocked() schemas.WaitType {
	switch {
	case s.state.Mode() == schemas.ModePaused:
		return schemas.WaitPaused
	case s.state.Mode() != schemas.ModeReplay:
		return schemas.WaitPaused
	case !s.state.EventsEnabled():
		return schemas.WaitSuspended
	case s.prompt != nil:
		return schemas.WaitPrompt
	case s.validator.Pending():
		return schemas.WaitValidating
	case s.tracker.DialogOpen():
		return schemas.WaitDialog
	case s.tracker.Loading():
		return schemas.WaitLoadingDoc
	case s.tracker.NetworkActive():
		return schemas.WaitNetwork
	case s.tracker.IsActive():
		return schemas.WaitMutations
	}
	return schemas.WaitNone
}

// start commits the cursor onto ref and begins the event, unless the run
// first needs its blank-page preload.
func (s *Session) start(ref schemas.EventRef) {
	ev := s.script.Lookup(ref)
	if ev == nil {
		s.failRun(schemas.StatusInternalError, fmt.Sprintf("event %s does not exist", ref))
		return
	}
	if ev.Type == schemas.EventNavigate && !s.preloaded {
		s.preloaded = true
		if s.preload(ev) {
			return
		}
	}

	ref, _ = s.cursor.Commit(s.script)
	act := s.script.LookupAction(ref.Subscript, ref.Action)
	s.branches.BeginVisit()
	s.timers.ResetMultipliers()
	s.timers.SetOverrides(mergeTimeouts(s.script.Preferences.Timeouts, ev.Preferences.Timeouts))

	cur := &inflight{ref: ref, ev: ev, label: eventLabel(ev)}
	cur.action = s.results.Action(ref.Subscript, act.Seq, actionTitle(act))
	cur.node = s.results.Event(cur.action, ref.Subscript, ev.Seq, cur.label)
	s.cur = cur
	s.publishProgress()
	s.logger.Info("Replaying event.",
		zap.Stringer("event", ref),
		zap.Int("seq", ev.Seq),
		zap.String("type", string(ev.Type)))

	if think := s.thinkTime(ev); think > 0 {
		s.state.SetWaitType(schemas.WaitThinkTime)
		s.timers.RestartAfter(timeouts.Ready, think)
		return
	}
	s.dispatchCurrent()
}

func (s *Session) thinkTime(ev *schemas.Event) time.Duration {
	if !s.opts.Replay.ThinkTimeEnabled {
		return 0
	}
	d := ev.Hints.ThinkTime
	if max := s.opts.Replay.MaxThinkTime; max > 0 && d > max {
		d = max
	}
	return d
}

func (s *Session) dispatchCurrent() {
	cur := s.cur
	s.timers.Restart(timeouts.Event)
	if cur.ev.Type.IsBrowserLevel() {
		s.dispatchBrowser(cur)
		return
	}
	s.searchTarget(cur)
}

func (s *Session) searchTarget(cur *inflight) {
	match := s.resolver.SearchForTargetDocument(cur.ev.Target)
	req := resolver.Request{Target: cur.ev.Target, MinScore: s.minScore(cur.ev)}
	if match.Document != nil {
		req.PreferredDocID, req.DocScore = match.Document.ID, match.Score
	}
	s.results.AddDetail(cur.node, results.NodeSearch, "document search", documentAttrs(match))

	s.setDispatch(Searching{})
	s.state.SetWaitType(schemas.WaitSearching)
	s.timers.Restart(timeouts.Response)
	gen := s.generation
	id, err := s.resolver.FindTargetElement(req, func(res resolver.Resolution) {
		s.resolved(gen, cur, res)
	})
	if err != nil {
		s.eventFailed(schemas.StatusInternalError, fmt.Sprintf("element search failed: %v", err))
		return
	}
	cur.searchID = id
	if st, ok := s.dispatch.(Searching); ok && s.cur == cur && st.SearchID == 0 {
		s.dispatch = Searching{SearchID: id}
	}
}

func (s *Session) resolved(gen uint64, cur *inflight, res resolver.Resolution) {
	defer s.recoverPanic("element search")
	if gen != s.generation || s.cur != cur {
		return
	}
	if _, ok := s.dispatch.(Searching); !ok {
		return
	}
	s.timers.Stop(timeouts.Response)
	s.results.AddDetail(cur.node, results.NodeSearch, "element search", resolutionAttrs(res))
	if res.Status != schemas.StatusSuccess {
		s.eventFailed(res.Status, describeResolution(res, s.minScore(cur.ev)))
		return
	}

	cur.docID = res.DocumentID
	if doc, ok := s.tree.Document(res.DocumentID); ok {
		cur.tabID = doc.TabID
	}
	s.tree.AttachEvent(res.DocumentID, cur.ev.Seq)
	s.setDispatch(Dispatching{DocumentID: res.DocumentID, TabID: cur.tabID})
	s.state.SetWaitType(schemas.WaitDispatching)
	s.timers.Restart(timeouts.Response)
	err := s.deps.Content.DispatchEvent(schemas.DispatchRequest{
		Generation: gen,
		EventSeq:   cur.ev.Seq,
		DocumentID: res.DocumentID,
		ElementRef: res.ElementRef,
		Type:       cur.ev.Type,
		Value:      cur.ev.Value,
	})
	if err != nil {
		s.eventFailed(schemas.StatusInternalError, fmt.Sprintf("dispatch request failed: %v", err))
	}
}

// settle waits for the location and mutation activity the recording saw
// after this event.
func (s *Session) settle() {
	cur := s.cur
	s.setDispatch(Settling{})
	if n := cur.ev.Hints.LocationChanges - cur.earlyCommits; n > 0 {
		cur.locationsLeft = n
		s.timers.Restart(timeouts.Location)
	}
	if cur.ev.Hints.Mutations > 0 {
		switch {
		case cur.sawEnd:
		case cur.sawBegin:
			cur.mutation = mutationAwaitEnd
			s.timers.Restart(timeouts.MutationEnd)
		default:
			cur.mutation = mutationAwaitBegin
			s.timers.Restart(timeouts.MutationBegin)
		}
	}
	s.checkSettled()
}

func (s *Session) checkSettled() {
	cur := s.cur
	if cur == nil {
		return
	}
	if _, ok := s.dispatch.(Settling); !ok {
		return
	}
	switch {
	case cur.locationsLeft > 0:
		s.state.SetWaitType(schemas.WaitLocations)
		return
	case cur.mutation != mutationNone:
		s.state.SetWaitType(schemas.WaitMutations)
		return
	}
	s.validate()
}

func (s *Session) validate() {
	cur := s.cur
	vs := cur.ev.Validations
	if IsLastInAction(s.script, cur.ref) {
		if act := s.script.LookupAction(cur.ref.Subscript, cur.ref.Action); len(act.Validations) > 0 {
			vs = append(append([]schemas.Validation(nil), vs...), act.Validations...)
		}
	}
	s.setDispatch(Validating{})
	if len(vs) == 0 {
		s.complete(false)
		return
	}

	budget := s.timers.Duration(timeouts.Event)
	s.state.SetWaitType(schemas.WaitValidating)
	s.timers.Stop(timeouts.Event)
	s.timers.RestartAfter(timeouts.Validation, budget+s.timers.Duration(timeouts.Validation))
	gen := s.generation
	err := s.validator.Run(validation.Request{
		Ref:         cur.ref,
		Validations: vs,
		DocumentID:  cur.docID,
		Timeout:     budget,
	}, func(out validation.Outcome) { s.validated(gen, cur, vs, out) })
	if err != nil {
		s.eventFailed(schemas.StatusInternalError, fmt.Sprintf("validation failed to start: %v", err))
	}
}

func (s *Session) validated(gen uint64, cur *inflight, vs []schemas.Validation, out validation.Outcome) {
	defer s.recoverPanic("validation")
	if gen != s.generation || s.cur != cur {
		return
	}
	s.timers.Stop(timeouts.Validation)
	for _, r := range out.Results {
		s.results.AddDetail(cur.node, results.NodeValidation, validationLabel(vs[r.Index]), map[string]string{
			"kind":     string(r.Kind),
			"state":    r.State.String(),
			"attempts": fmt.Sprint(r.Attempts),
		})
	}
	switch {
	case out.RunSubscript:
		entered := s.enterSubscript(cur, out.Subscript)
		s.complete(entered)
	case out.Status != schemas.StatusSuccess:
		s.eventFailed(out.Status, out.Message)
	default:
		s.complete(false)
	}
}

func (s *Session) enterSubscript(cur *inflight, sub int) bool {
	if !s.cursor.Enter(s.script, sub) {
		s.warn(cur.node, schemas.StatusValidationFailure, fmt.Sprintf("subscript %d has no events to run", sub), false)
		return false
	}
	name := s.script.Subscripts[sub].Name
	s.results.AddDetail(cur.node, results.NodeSubscript, "run subscript "+name, map[string]string{"subscript": fmt.Sprint(sub)})
	s.state.SetWaitType(schemas.WaitSubscript)
	s.logger.Info("Running triggered subscript.", zap.Int("subscript", sub), zap.String("name", name))
	return true
}

// complete closes a successful event. A warned event keeps its warning.
func (s *Session) complete(enteredSubscript bool) {
	cur := s.cur
	s.stopEventTimers()
	s.results.Succeed(cur.node)
	if IsLastInAction(s.script, cur.ref) {
		s.results.Succeed(cur.action)
	}
	s.setDispatch(Done{Status: cur.status})
	// A triggered subscript takes precedence over branching for this visit.
	if !enteredSubscript {
		if d := s.branches.Evaluate(cur.ref, cur.status); d.Matched {
			s.takeBranch(cur, d)
			if s.script == nil {
				return
			}
		}
	}
	s.finishEvent()
}

func (s *Session) finishEvent() {
	s.setDispatch(Idle{})
	s.cur = nil
	s.state.SetWaitType(schemas.WaitNone)
	s.publishProgress()
	s.schedule(0)
}

// eventFailed handles a hard failure of the in-flight event. A matching
// branching rule turns it into a warning and a redirect; otherwise the run
// ends with code.
func (s *Session) eventFailed(code schemas.StatusCode, msg string) {
	cur := s.cur
	if cur == nil {
		s.finalize(code, msg, schemas.RunTypeAbortedStop)
		return
	}
	if s.branchAway(cur, code, msg) {
		return
	}
	s.abandon(cur)
	s.stopEventTimers()
	cur.status = code
	s.setDispatch(Done{Status: code})
	s.results.Fail(cur.node, code, msg)
	s.results.Fail(cur.action, code, msg)
	s.finalize(code, msg, schemas.RunTypeAbortedStop)
}

// branchAway consults the branching rules for a failed or timed out event.
func (s *Session) branchAway(cur *inflight, code schemas.StatusCode, msg string) bool {
	d := s.branches.Evaluate(cur.ref, code)
	if !d.Matched {
		return false
	}
	s.abandon(cur)
	s.stopEventTimers()
	s.setDispatch(Done{Status: code})
	s.warn(cur.node, code, msg, false)
	s.takeBranch(cur, d)
	if s.script != nil {
		s.finishEvent()
	}
	return true
}

func (s *Session) takeBranch(cur *inflight, d branching.Decision) {
	s.tracker.ClearNetwork()
	s.tracker.ClearMutations()
	cur.locationsLeft, cur.mutation = 0, mutationNone
	s.timers.StopAll()
	if s.branches.MarkTaken() {
		s.results.SetBranchTaken(cur.node)
	}
	s.state.SetWaitType(schemas.WaitBranching)
	s.logger.Info("Following branching rule.", zap.Stringer("event", cur.ref), zap.Stringer("decision", d))
	if d.End {
		s.finalize(schemas.StatusSuccess, "", schemas.RunTypeCompletedStop)
		return
	}
	s.cursor.Redirect(d.Next)
	s.armStatusPoll()
}

// abandon drops whatever outstanding request the event is waiting on.
func (s *Session) abandon(cur *inflight) {
	switch s.dispatch.(type) {
	case Searching:
		s.resolver.Abandon(cur.searchID)
	case Validating:
		s.validator.Cancel()
	}
}

func (s *Session) stopEventTimers() {
	for _, cat := range []timeouts.Category{
		timeouts.Event, timeouts.Ready, timeouts.Response, timeouts.Navigation,
		timeouts.Location, timeouts.MutationBegin, timeouts.MutationEnd, timeouts.Validation,
	} {
		s.timers.Stop(cat)
	}
}

// warn annotates node. Warnings that count as skips are charged against
// max_skipped_events; it returns false when that ended the run.
func (s *Session) warn(node *results.Node, code schemas.StatusCode, msg string, skip bool) bool {
	s.results.Warn(node, code, msg)
	s.warnings++
	if s.cur != nil && node == s.cur.node {
		s.cur.status = code
	}
	s.logger.Warn("Replay warning.", zap.Stringer("status", code), zap.String("message", msg), zap.Bool("skip", skip))
	if skip {
		s.skipped++
		if max := s.opts.Replay.MaxSkippedEvents; max > 0 && s.skipped > max {
			exceeded := fmt.Sprintf("skipped %d events, more than the allowed %d", s.skipped, max)
			if s.cur != nil {
				s.abandon(s.cur)
				s.results.Fail(s.cur.node, schemas.StatusSkippedEventsExceeded, exceeded)
			}
			s.finalize(schemas.StatusSkippedEventsExceeded, exceeded, schemas.RunTypeAbortedStop)
			return false
		}
	}
	s.publishProgress()
	return true
}

// warnCurrent warns on the in-flight event, or on the run when there is none.
func (s *Session) warnCurrent(code schemas.StatusCode, msg string, skip bool) bool {
	if s.cur != nil {
		return s.warn(s.cur.node, code, msg, skip)
	}
	return s.warn(s.results.Root(), code, msg, skip)
}

func (s *Session) beginDrain() {
	s.draining = true
	s.drainDelay = s.opts.Replay.DrainInitialDelay
	if s.drainDelay <= 0 {
		s.drainDelay = 10 * time.Millisecond
	}
	s.state.SetWaitType(schemas.WaitDraining)
	s.timers.Restart(timeouts.Shutdown)
	s.schedule(s.drainDelay)
}

func (s *Session) drainTick() {
	if s.tracker.IsIdle() && !s.validator.Pending() {
		s.finalize(schemas.StatusSuccess, "", schemas.RunTypeCompletedStop)
		return
	}
	s.drainDelay *= 2
	if max := s.opts.Replay.DrainMaxDelay; max > 0 && s.drainDelay > max {
		s.drainDelay = max
	}
	s.schedule(s.drainDelay)
}

// failRun ends the run with code, failing the in-flight event if any.
func (s *Session) failRun(code schemas.StatusCode, msg string) {
	if s.cur != nil {
		s.abandon(s.cur)
		s.results.Fail(s.cur.node, code, msg)
		s.results.Fail(s.cur.action, code, msg)
	}
	s.finalize(code, msg, schemas.RunTypeAbortedStop)
}

// finalize is the single exit of a run.
func (s *Session) finalize(code schemas.StatusCode, msg string, runType schemas.RunType) {
	if s.script == nil {
		return
	}
	s.timers.StopAll()
	s.generation++
	s.resolver.SetGeneration(s.generation)
	s.resolver.Clear()
	s.validator.SetGeneration(s.generation)
	s.prompt = nil

	s.results.Finish(code, msg, s.opts.LogRef)
	res := RunResult{
		RunID:    s.runID,
		Status:   code,
		Message:  msg,
		Tree:     s.results,
		Script:   s.script,
		Repaired: s.repaired,
	}
	s.publishProgress()
	s.script, s.cur, s.dispatch, s.draining = nil, nil, Idle{}, false

	s.state.SetStatus(code, msg)
	s.state.SetRunMode(schemas.ModeStopped, runType)
	if code == schemas.StatusSuccess {
		s.logger.Info("Replay finished.", zap.String("run_id", res.RunID), zap.String("type", string(runType)))
	} else {
		s.logger.Warn("Replay aborted.", zap.String("run_id", res.RunID), zap.Stringer("status", code), zap.String("message", msg))
	}
	if s.deps.Sink != nil {
		s.deps.Sink.RunFinished(res)
	}
}

func (s *Session) setDispatch(to DispatchState) {
	if !canDispatch(s.dispatch, to) {
		panic(fmt.Sprintf("invalid dispatch transition %s -> %s", s.dispatch, to))
	}
	s.dispatch = to
}

func (s *Session) recoverPanic(where string) {
	r := recover()
	if r == nil {
		return
	}
	s.logger.Error("Recovered from panic in replay session.",
		zap.String("where", where), zap.Any("panic", r), zap.Stack("stack"))
	if s.script != nil {
		s.failRun(schemas.StatusInternalError, fmt.Sprintf("internal error in %s: %v", where, r))
	}
}

func (s *Session) publishProgress() {
	if s.script == nil {
		return
	}
	s.state.SetProgress(schemas.Progress{
		ReplayedEvents:  s.cursor.ReplayedEvents,
		ReplayedActions: s.cursor.ReplayedActions,
		TotalEvents:     s.script.EventCount(0),
		Warnings:        s.warnings,
		Skipped:         s.skipped,
	})
}

func (s *Session) minScore(ev *schemas.Event) float64 {
	switch {
	case ev.Preferences.MinMatchScore > 0:
		return ev.Preferences.MinMatchScore
	case s.script.Preferences.MinMatchScore > 0:
		return s.script.Preferences.MinMatchScore
	}
	return s.opts.Replay.MinMatchScore
}

func mergeTimeouts(script, event map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(script)+len(event))
	for k, v := range script {
		out[k] = v
	}
	for k, v := range event {
		out[k] = v
	}
	return out
}

// StartRecording switches the session to Record mode. A nil script starts
// a new recording; otherwise events are appended to it. When startURL is set
// the active tab is navigated there and that navigation is recorded first.
func (s *Session) StartRecording(script *schemas.Script, name, startURL string) error {
	if s.script != nil || s.recorder != nil {
		return ErrBusy
	}
	typ := schemas.RunTypeNewRecording
	if script != nil {
		typ = schemas.RunTypeAppendRecording
	}
	s.rebuildTree()
	if !s.state.SetRunMode(schemas.ModeRecord, typ) {
		return ErrBusy
	}
	s.recorder = recorder.New(script, name, s.clock.Now, s.logger)
	if startURL == "" {
		return nil
	}
	tab, ok := s.activeTab()
	if !ok {
		return fmt.Errorf("replay: no tab to open %s in", startURL)
	}
	s.recorder.Observe(schemas.RecordedEvent{
		TabID: tab,
		Type:  schemas.EventNavigate,
		Value: startURL,
		At:    s.clock.Now(),
	})
	if err := s.deps.Host.Navigate(tab, startURL); err != nil {
		return fmt.Errorf("failed to open start url: %w", err)
	}
	return nil
}

// StopRecording leaves Record mode and returns the recorded script.
func (s *Session) StopRecording() (*schemas.Script, error) {
	if s.recorder == nil {
		return nil, ErrNotRecording
	}
	script := s.recorder.Script()
	s.logger.Info("Recording stopped.", zap.Int("events", s.recorder.Recorded()))
	s.recorder = nil
	s.state.SetRunMode(schemas.ModeStopped, schemas.RunTypeLoadedStop)
	return script, nil
}
