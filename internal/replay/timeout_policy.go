package replay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

// timedOut decides what a fired timer means for the run: a branching rule
// wins, then a prompt if one may be shown, then the configured default.
func (s *Session) timedOut(cat timeouts.Category) {
	code := cat.StatusCode()
	waited := s.timers.Duration(cat)
	msg := fmt.Sprintf("timed out waiting for %s after %s", cat, waited)
	s.logger.Warn("Replay timer fired.", zap.Stringer("category", cat), zap.Duration("waited", waited), zap.Stringer("status", code))

	if s.cur != nil && s.branchAway(s.cur, code, msg) {
		return
	}
	if s.shouldPrompt(cat) {
		s.ask(cat, code, msg, waited)
		return
	}
	s.applyChoice(cat, s.opts.Replay.DefaultTimeoutChoice, code, msg)
}

func (s *Session) shouldPrompt(cat timeouts.Category) bool {
	if !s.opts.Replay.PromptEnabled || s.deps.Prompter == nil {
		return false
	}
	if s.script.Preferences.SuppressesPrompt(cat.String()) {
		return false
	}
	return s.cur == nil || !s.cur.ev.Preferences.SuppressesPrompt(cat.String())
}

// ask freezes every timer and hands the decision to the Prompter. Replay
// stays blocked until AnswerPrompt is called with the matching id.
func (s *Session) ask(cat timeouts.Category, code schemas.StatusCode, msg string, waited time.Duration) {
	s.promptSeq++
	s.prompt = &pendingPrompt{id: s.promptSeq, cat: cat, code: code, msg: msg}
	s.timers.Suspend()
	s.state.SetWaitType(schemas.WaitPrompt)

	p := TimeoutPrompt{
		ID:        s.promptSeq,
		SessionID: s.id,
		Category:  cat.String(),
		Status:    code,
		Waited:    waited,
	}
	if s.cur != nil {
		p.Event, p.EventLabel = s.cur.ref, s.cur.label
	}
	exec := s.deps.Exec
	s.deps.Prompter.Prompt(p, func(a PromptAnswer) {
		exec.Post(func() { s.AnswerPrompt(a) })
	})
}

// AnswerPrompt applies the user's choice. Answers to prompts that are no
// longer pending are ignored.
func (s *Session) AnswerPrompt(a PromptAnswer) {
	defer s.recoverPanic("prompt answer")
	p := s.prompt
	if p == nil || p.id != a.ID || s.script == nil {
		s.logger.Debug("Ignoring answer to a prompt that is no longer pending.", zap.Uint64("prompt_id", a.ID))
		return
	}
	s.prompt = nil
	s.timers.Resume()
	s.logger.Info("Timeout prompt answered.", zap.Stringer("category", p.cat), zap.String("choice", string(a.Choice)))
	s.applyChoice(p.cat, a.Choice, p.code, p.msg)
}

func (s *Session) applyChoice(cat timeouts.Category, choice config.TimeoutChoice, code schemas.StatusCode, msg string) {
	switch choice {
	case config.ChoiceStop:
		s.failRun(code, msg)
	case config.ChoiceContinue:
		s.timers.Double(cat)
		s.timers.Restart(cat)
		if s.cur == nil {
			s.schedule(0)
		}
	default:
		s.skipTimeout(cat, code, msg)
	}
}

// skipTimeout gives up on whatever the fired timer was waiting for and moves
// on, unless fail_on_timeout turns the timeout into a failure.
func (s *Session) skipTimeout(cat timeouts.Category, code schemas.StatusCode, msg string) {
	if _, ok := s.dispatch.(Preloading); ok {
		s.preloadDone()
		return
	}
	if s.opts.Replay.AutoRepair && s.cur != nil {
		s.repair(s.cur, cat)
	}
	if s.opts.Replay.FailOnTimeout {
		s.eventFailed(code, msg)
		return
	}
	if s.cur == nil {
		s.clearGate(cat)
		if s.warnCurrent(code, msg, true) {
			s.schedule(0)
		}
		return
	}
	if !s.warn(s.cur.node, code, msg, true) {
		return
	}
	s.skipPhase(cat)
}

// clearGate forgets the page activity that held the checkpoint gate shut
// until cat fired.
func (s *Session) clearGate(cat timeouts.Category) {
	switch cat {
	case timeouts.Network:
		s.tracker.ClearNetwork()
	case timeouts.Navigation:
		s.tracker.ClearLoading()
	case timeouts.MutationEnd:
		s.tracker.ClearMutations()
	case timeouts.Event:
		s.tracker.ClearDialog()
		if s.validator.Pending() {
			s.validator.Cancel()
		}
	}
}

// skipPhase advances the in-flight event past the phase it was stuck in.
func (s *Session) skipPhase(cat timeouts.Category) {
	cur := s.cur
	switch s.dispatch.(type) {
	case Idle, Searching:
		s.abandon(cur)
		s.complete(false)
	case Dispatching, Acked:
		s.timers.Stop(timeouts.Response)
		s.timers.Stop(timeouts.Navigation)
		s.settle()
	case Settling:
		switch cat {
		case timeouts.Location:
			cur.locationsLeft = 0
		case timeouts.MutationBegin, timeouts.MutationEnd:
			cur.mutation = mutationNone
			s.tracker.ClearMutations()
		default:
			cur.locationsLeft, cur.mutation = 0, mutationNone
			s.tracker.ClearMutations()
		}
		s.checkSettled()
	case Validating:
		s.validator.Cancel()
		s.complete(false)
	}
}

// repair raises the event's own preference for cat so the next run of the
// repaired script waits twice as long.
func (s *Session) repair(cur *inflight, cat timeouts.Category) {
	d := 2 * s.timers.Duration(cat)
	if d <= 0 {
		return
	}
	if cur.ev.Preferences.Timeouts == nil {
		cur.ev.Preferences.Timeouts = make(map[string]time.Duration)
	}
	cur.ev.Preferences.Timeouts[cat.String()] = d
	s.repaired = true
	s.logger.Info("Auto-repaired event timeout.", zap.Int("seq", cur.ev.Seq), zap.Stringer("category", cat), zap.Duration("timeout", d))
}
