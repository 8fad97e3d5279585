package prompt

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
)

// Remote publishes prompts on the bus for websocket observers and waits for
// an Answer. Unanswered prompts fall back to a default choice after a delay.
type Remote struct {
	bus      *bus.Bus
	fallback config.TimeoutChoice
	after    time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[uint64]*remotePrompt
}

type remotePrompt struct {
	reply func(replay.PromptAnswer)
	timer *time.Timer
}

var _ replay.Prompter = (*Remote)(nil)

// NewRemote builds a Remote prompter. A zero after disables the fallback.
func NewRemote(b *bus.Bus, fallback config.TimeoutChoice, after time.Duration, logger *zap.Logger) *Remote {
	return &Remote{
		bus:      b,
		fallback: fallback,
		after:    after,
		logger:   logger.Named("prompt"),
		pending:  make(map[uint64]*remotePrompt),
	}
}

// Prompt implements replay.Prompter.
func (r *Remote) Prompt(p replay.TimeoutPrompt, reply func(replay.PromptAnswer)) {
	rp := &remotePrompt{reply: reply}
	r.mu.Lock()
	r.pending[p.ID] = rp
	if r.after > 0 {
		rp.timer = time.AfterFunc(r.after, func() {
			if r.Answer(replay.PromptAnswer{ID: p.ID, Choice: r.fallback}) {
				r.logger.Info("Prompt unanswered, using fallback.", zap.Uint64("prompt_id", p.ID), zap.String("choice", string(r.fallback)))
			}
		})
	}
	r.mu.Unlock()

	if !r.bus.TryPost(bus.TopicPrompt, p) {
		r.logger.Warn("Prompt did not reach every observer.", zap.Uint64("prompt_id", p.ID))
	}
}

// Answer resolves a pending prompt. It reports false for unknown or already
// answered prompts.
func (r *Remote) Answer(a replay.PromptAnswer) bool {
	r.mu.Lock()
	rp, ok := r.pending[a.ID]
	delete(r.pending, a.ID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if rp.timer != nil {
		rp.timer.Stop()
	}
	rp.reply(a)
	return true
}

// Pending is the number of unanswered prompts.
func (r *Remote) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops fallback timers. Pending prompts are dropped.
func (r *Remote) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rp := range r.pending {
		if rp.timer != nil {
			rp.timer.Stop()
		}
		delete(r.pending, id)
	}
}
