package replay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

// ErrClosed is returned once the runner's loop has stopped.
var ErrClosed = errors.New("replay: runner is closed")

// Runner owns a Session and the goroutine it runs on. Its methods are safe
// for concurrent use.
type Runner struct {
	loop    *Loop
	session *Session
	logger  *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan RunResult
}

// NewRunner builds a session whose timers and prompt answers are delivered
// onto a dedicated loop. deps.Clock and deps.Exec are replaced; deps.Sink, if
// set, still sees every finished run.
func NewRunner(id string, opts Options, deps Deps, logger *zap.Logger) (*Runner, error) {
	loop := NewLoop(logger)
	r := &Runner{
		loop:    loop,
		logger:  logger,
		waiters: make(map[string]chan RunResult),
	}
	base := deps.Clock
	if base == nil {
		base = timeouts.SystemClock{}
	}
	deps.Clock = loop.Clock(base)
	deps.Exec = loop
	sink := deps.Sink
	deps.Sink = ResultSinkFunc(func(res RunResult) {
		r.finished(res)
		if sink != nil {
			sink.RunFinished(res)
		}
	})
	s, err := NewSession(id, opts, deps, logger)
	if err != nil {
		return nil, err
	}
	r.session = s
	return r, nil
}

// Run processes session work until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	return r.loop.Run(ctx)
}

// SessionID is the id of the wrapped session.
func (r *Runner) SessionID() string { return r.session.ID() }

// Deliver queues a collaborator message for the session.
func (r *Runner) Deliver(msg schemas.Message) bool {
	return r.loop.Post(func() { r.session.Handle(msg) })
}

// Start begins a run and returns a channel that receives its result.
func (r *Runner) Start(script *schemas.Script, runID string) (<-chan RunResult, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	ch := make(chan RunResult, 1)
	r.mu.Lock()
	r.waiters[runID] = ch
	r.mu.Unlock()

	err := r.call(func() error { return r.session.Start(script, runID) })
	if err != nil {
		r.mu.Lock()
		delete(r.waiters, runID)
		r.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// Replay runs script to completion. Cancelling ctx stops the run.
func (r *Runner) Replay(ctx context.Context, script *schemas.Script, runID string) (RunResult, error) {
	ch, err := r.Start(script, runID)
	if err != nil {
		return RunResult{}, err
	}
	select {
	case res := <-ch:
		return res, res.Err()
	case <-ctx.Done():
	}
	_ = r.Stop()
	select {
	case res := <-ch:
		return res, ctx.Err()
	case <-r.loop.Done():
		return RunResult{}, ctx.Err()
	}
}

func (r *Runner) finished(res RunResult) {
	r.mu.Lock()
	ch, ok := r.waiters[res.RunID]
	delete(r.waiters, res.RunID)
	r.mu.Unlock()
	if ok {
		ch <- res
	}
}

// Stop aborts the current run or recording.
func (r *Runner) Stop() error { return r.do(r.session.Stop) }

// Pause holds replay before the next event.
func (r *Runner) Pause() error { return r.do(r.session.Pause) }

// Suspend stops dispatching new events.
func (r *Runner) Suspend() error { return r.do(r.session.Suspend) }

// Resume undoes Pause or Suspend.
func (r *Runner) Resume() error { return r.do(r.session.Resume) }

// Answer delivers a prompt answer.
func (r *Runner) Answer(a PromptAnswer) bool {
	return r.loop.Post(func() { r.session.AnswerPrompt(a) })
}

// Snapshot is the current run state.
func (r *Runner) Snapshot() schemas.StateNotification {
	return r.session.State().Snapshot()
}

// Results returns the result tree of the current or last run.
func (r *Runner) Results() (*results.Tree, error) {
	var t *results.Tree
	err := r.do(func() { t = r.session.Results() })
	return t, err
}

// StartRecording switches the session to Record mode.
func (r *Runner) StartRecording(script *schemas.Script, name, startURL string) error {
	return r.call(func() error { return r.session.StartRecording(script, name, startURL) })
}

// StopRecording ends Record mode and returns the recorded script.
func (r *Runner) StopRecording() (*schemas.Script, error) {
	var script *schemas.Script
	err := r.call(func() error {
		var err error
		script, err = r.session.StopRecording()
		return err
	})
	return script, err
}

func (r *Runner) do(f func()) error {
	return r.call(func() error { f(); return nil })
}

// call runs f on the loop and waits for it.
func (r *Runner) call(f func() error) error {
	errc := make(chan error, 1)
	if !r.loop.Post(func() { errc <- f() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-r.loop.Done():
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}
