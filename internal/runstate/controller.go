// Package runstate is the top-level mode machine of the engine. It decides
// which modes may follow which, tracks why the engine is waiting, and is the
// single publisher of run state to observers.
package runstate

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Publisher receives every state notification.
type Publisher interface {
	PublishState(n schemas.StateNotification)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(schemas.StateNotification)

func (f PublisherFunc) PublishState(n schemas.StateNotification) { f(n) }

// handler validates a transition requested while in a given mode.
type handler func(to schemas.RunMode, typ schemas.RunType) bool

// Controller holds the run mode, run type, wait type and progress. Writes come
// from the session goroutine; Snapshot may be called from anywhere.
type Controller struct {
	mu        sync.RWMutex
	sessionID string
	logger    *zap.Logger
	pub       Publisher
	now       func() time.Time

	mode          schemas.RunMode
	runType       schemas.RunType
	wait          schemas.WaitType
	eventsEnabled bool
	progress      schemas.Progress
	status        schemas.StatusCode
	detail        string

	handlers map[schemas.RunMode]handler
}

// New returns a Controller in Inactive mode. pub may be nil.
func New(sessionID string, pub Publisher, logger *zap.Logger) *Controller {
	c := &Controller{
		sessionID:     sessionID,
		logger:        logger.Named("runstate"),
		pub:           pub,
		now:           time.Now,
		mode:          schemas.ModeInactive,
		eventsEnabled: true,
	}
	c.handlers = map[schemas.RunMode]handler{
		schemas.ModeInactive: c.fromIdle,
		schemas.ModeStopped:  c.fromIdle,
		schemas.ModeRecord:   c.fromActive,
		schemas.ModeReplay:   c.fromActive,
		schemas.ModePaused:   c.fromPaused,
	}
	return c
}

// SetClock replaces the timestamp source.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Controller) fromIdle(to schemas.RunMode, typ schemas.RunType) bool {
	switch to {
	case schemas.ModeStopped, schemas.ModeInactive:
		return true
	case schemas.ModeRecord:
		return typ == schemas.RunTypeNewRecording || typ == schemas.RunTypeAppendRecording
	case schemas.ModeReplay:
		return true
	}
	return false
}

func (c *Controller) fromActive(to schemas.RunMode, _ schemas.RunType) bool {
	switch to {
	case schemas.ModeStopped, schemas.ModePaused, schemas.ModeSuspend, schemas.ModeResume:
		return true
	}
	return false
}

func (c *Controller) fromPaused(to schemas.RunMode, typ schemas.RunType) bool {
	switch to {
	case schemas.ModeStopped, schemas.ModeSuspend, schemas.ModeResume:
		return true
	case schemas.ModeReplay:
		return c.runType == schemas.RunTypeReplaying
	case schemas.ModeRecord:
		return c.runType == schemas.RunTypeNewRecording || c.runType == schemas.RunTypeAppendRecording
	}
	return false
}

// modeFor is the mode a cached RunType implies on resume.
func modeFor(t schemas.RunType, fallback schemas.RunMode) schemas.RunMode {
	switch t {
	case schemas.RunTypeReplaying:
		return schemas.ModeReplay
	case schemas.RunTypeNewRecording, schemas.RunTypeAppendRecording:
		return schemas.ModeRecord
	}
	return fallback
}

// SetRunMode requests a transition. Invalid transitions are logged and
// ignored; the return value reports whether the transition happened.
func (c *Controller) SetRunMode(to schemas.RunMode, typ schemas.RunType) bool {
	c.mu.Lock()
	from := c.mode
	h, ok := c.handlers[from]
	if !ok || !h(to, typ) {
		c.mu.Unlock()
		c.logger.Warn("Ignoring invalid run mode transition.",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("type", string(typ)))
		return false
	}

	switch to {
	case schemas.ModeSuspend:
		// Suspend keeps mode and type; only event delivery stops.
		c.eventsEnabled = false
	case schemas.ModeResume:
		c.eventsEnabled = true
		c.mode = modeFor(c.runType, c.mode)
	case schemas.ModePaused:
		c.mode = to
	default:
		c.mode = to
		c.runType = typ
		c.eventsEnabled = true
		if to != schemas.ModeStopped {
			c.status = schemas.StatusSuccess
			c.detail = ""
		}
	}
	if c.mode == schemas.ModeStopped || c.mode == schemas.ModeInactive {
		c.wait = schemas.WaitNone
	}
	n := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Debug("Run mode changed.",
		zap.String("from", string(from)),
		zap.String("requested", string(to)),
		zap.String("mode", string(n.Mode)),
		zap.String("type", string(n.Type)))
	c.publish(n)
	return true
}

// SetWaitType updates the wait axis. It publishes only on change.
func (c *Controller) SetWaitType(w schemas.WaitType) {
	c.mu.Lock()
	if c.wait == w {
		c.mu.Unlock()
		return
	}
	c.wait = w
	n := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(n)
}

// SetProgress replaces the progress counters. It publishes only on change.
func (c *Controller) SetProgress(p schemas.Progress) {
	c.mu.Lock()
	if c.progress == p {
		c.mu.Unlock()
		return
	}
	c.progress = p
	n := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(n)
}

// SetStatus records the outcome of the run and a human readable detail.
func (c *Controller) SetStatus(code schemas.StatusCode, detail string) {
	c.mu.Lock()
	c.status = code
	c.detail = detail
	n := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(n)
}

func (c *Controller) Mode() schemas.RunMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Controller) Type() schemas.RunType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runType
}

func (c *Controller) Wait() schemas.WaitType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wait
}

func (c *Controller) EventsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventsEnabled
}

// Replaying reports whether the sequencer may dispatch events.
func (c *Controller) Replaying() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode == schemas.ModeReplay && c.eventsEnabled
}

// Snapshot is the current composed state.
func (c *Controller) Snapshot() schemas.StateNotification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() schemas.StateNotification {
	return schemas.StateNotification{
		Version:       schemas.NotificationVersion,
		SessionID:     c.sessionID,
		Mode:          c.mode,
		Type:          c.runType,
		Wait:          c.wait,
		EventsEnabled: c.eventsEnabled,
		Progress:      c.progress,
		Status:        c.status,
		Text:          c.textLocked(),
		Timestamp:     c.now(),
	}
}

func (c *Controller) textLocked() string {
	p := c.progress
	var s string
	switch c.mode {
	case schemas.ModeReplay:
		s = fmt.Sprintf("Replaying event %d of %d", p.ReplayedEvents, p.TotalEvents)
	case schemas.ModeRecord:
		s = "Recording"
	case schemas.ModePaused:
		s = "Paused"
	case schemas.ModeStopped:
		switch c.runType {
		case schemas.RunTypeCompletedStop:
			s = fmt.Sprintf("Replay completed: %d events", p.ReplayedEvents)
		case schemas.RunTypeAbortedStop:
			s = fmt.Sprintf("Replay aborted (%s)", c.status)
		case schemas.RunTypeNoScriptStop:
			s = "No script loaded"
		case schemas.RunTypeLoadedStop:
			s = "Script loaded"
		default:
			s = "Stopped"
		}
	default:
		s = "Inactive"
	}
	if !c.eventsEnabled {
		s += " (suspended)"
	}
	if c.wait != schemas.WaitNone {
		s += ", waiting for " + string(c.wait)
	}
	if p.Warnings > 0 {
		s += fmt.Sprintf(", %d warnings", p.Warnings)
	}
	if c.detail != "" {
		s += ": " + c.detail
	}
	return s
}

func (c *Controller) publish(n schemas.StateNotification) {
	if c.pub != nil {
		c.pub.PublishState(n)
	}
}
