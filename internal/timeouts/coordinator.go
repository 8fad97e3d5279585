package timeouts

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// maxGraceWindow caps how long the Event timer waits for inner timers per cycle.
const maxGraceWindow = 2 * time.Second

// State is the lifecycle of one timer. It is one of Idle, Running, Grace,
// Suspended or Fired.
type State interface {
	fmt.Stringer
	isState()
}

type (
	Idle    struct{}
	Running struct {
		Deadline time.Time
	}
	// Grace is the Event timer being held back so active inner timers get a
	// cycle to fire first.
	Grace struct {
		Deadline time.Time
		Cycle    int
	}
	Suspended struct {
		Remaining time.Duration
		From      State
	}
	Fired struct {
		At time.Time
	}
)

func (Idle) isState()      {}
func (Running) isState()   {}
func (Grace) isState()     {}
func (Suspended) isState() {}
func (Fired) isState()     {}

func (Idle) String() string      { return "idle" }
func (Running) String() string   { return "running" }
func (g Grace) String() string   { return fmt.Sprintf("grace(%d)", g.Cycle) }
func (Suspended) String() string { return "suspended" }
func (Fired) String() string     { return "fired" }

// FireFunc is called when a timer elapses.
type FireFunc func(Category)

// Timer is a single restartable timeout. All timers of a Coordinator share the
// same scheduling code; they differ only by Category.
type Timer struct {
	cat    Category
	state  State
	handle Stopper
	// seq invalidates callbacks of handles that were replaced or stopped but
	// had already been queued.
	seq uint64
}

// Coordinator owns one Timer per Category and implements Event-timer precedence.
// It is not safe for concurrent use; callers run it on a single goroutine and
// supply a Clock that delivers callbacks there.
type Coordinator struct {
	clock  Clock
	logger *zap.Logger
	onFire FireFunc

	base       map[Category]time.Duration
	overrides  map[Category]time.Duration
	multiplier [numCategories]int
	timers     [numCategories]*Timer

	graceRetries int
	graceWindow  time.Duration
	graceUsed    int
	suspended    bool
}

// Options configures a Coordinator.
type Options struct {
	Durations    map[Category]time.Duration
	GraceRetries int
	GraceWindow  time.Duration
}

// NewCoordinator creates a Coordinator. onFire runs for every category that
// elapses, after precedence has been applied.
func NewCoordinator(clock Clock, opts Options, logger *zap.Logger, onFire FireFunc) *Coordinator {
	c := &Coordinator{
		clock:        clock,
		logger:       logger.Named("timeouts"),
		onFire:       onFire,
		base:         opts.Durations,
		overrides:    map[Category]time.Duration{},
		graceRetries: opts.GraceRetries,
		graceWindow:  opts.GraceWindow,
	}
	if c.graceRetries < 1 {
		// Inner timers always get at least one cycle.
		c.graceRetries = 1
	}
	if c.graceWindow <= 0 || c.graceWindow > maxGraceWindow {
		c.graceWindow = maxGraceWindow
	}
	for i := range c.timers {
		c.timers[i] = &Timer{cat: Category(i), state: Idle{}}
		c.multiplier[i] = 1
	}
	return c
}

// Duration is the effective timeout for cat: the per-event override if set,
// otherwise the base, times any continue-waiting multiplier.
func (c *Coordinator) Duration(cat Category) time.Duration {
	d, ok := c.overrides[cat]
	if !ok || d <= 0 {
		d = c.base[cat]
	}
	return d * time.Duration(c.multiplier[cat])
}

// SetOverrides installs per-event timeout preferences keyed by category name.
// Unknown keys are ignored.
func (c *Coordinator) SetOverrides(prefs map[string]time.Duration) {
	c.overrides = map[Category]time.Duration{}
	for name, d := range prefs {
		if cat, ok := ParseCategory(name); ok {
			c.overrides[cat] = d
		}
	}
}

// Double doubles cat's effective timeout. It is the "continue waiting" answer
// to a timeout prompt and lasts until ResetMultipliers.
func (c *Coordinator) Double(cat Category) {
	c.multiplier[cat] *= 2
}

// ResetMultipliers drops every continue-waiting extension.
func (c *Coordinator) ResetMultipliers() {
	for i := range c.multiplier {
		c.multiplier[i] = 1
	}
}

// Restart cancels cat and schedules it again with its effective duration.
func (c *Coordinator) Restart(cat Category) {
	c.RestartAfter(cat, c.Duration(cat))
}

// RestartAfter cancels cat and schedules it to elapse after d.
func (c *Coordinator) RestartAfter(cat Category, d time.Duration) {
	t := c.timers[cat]
	c.cancel(t)
	if cat == Event {
		c.graceUsed = 0
	}
	deadline := c.clock.Now().Add(d)
	if c.suspended {
		t.state = Suspended{Remaining: d, From: Running{Deadline: deadline}}
		return
	}
	c.schedule(t, d)
	t.state = Running{Deadline: deadline}
}

// Stop cancels cat without rescheduling.
func (c *Coordinator) Stop(cat Category) {
	t := c.timers[cat]
	c.cancel(t)
	t.state = Idle{}
}

// StopAll cancels every timer and clears grace and suspension bookkeeping.
func (c *Coordinator) StopAll() {
	for _, t := range c.timers {
		c.cancel(t)
		t.state = Idle{}
	}
	c.graceUsed = 0
	c.suspended = false
}

// Active reports whether cat is scheduled, in grace or suspended.
func (c *Coordinator) Active(cat Category) bool {
	switch c.timers[cat].state.(type) {
	case Running, Grace, Suspended:
		return true
	}
	return false
}

// State returns the current state of cat.
func (c *Coordinator) State(cat Category) State {
	return c.timers[cat].state
}

// ActiveInner lists the inner categories currently live.
func (c *Coordinator) ActiveInner() []Category {
	var out []Category
	for _, t := range c.timers {
		if t.cat.Inner() && c.Active(t.cat) {
			out = append(out, t.cat)
		}
	}
	return out
}

// Suspend freezes every live timer, remembering how long each had left.
// Used while a prompt is on screen.
func (c *Coordinator) Suspend() {
	if c.suspended {
		return
	}
	c.suspended = true
	now := c.clock.Now()
	for _, t := range c.timers {
		var deadline time.Time
		switch s := t.state.(type) {
		case Running:
			deadline = s.Deadline
		case Grace:
			deadline = s.Deadline
		default:
			continue
		}
		prev := t.state
		c.cancel(t)
		remaining := deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		t.state = Suspended{Remaining: remaining, From: prev}
	}
}

// Resume reschedules every suspended timer with its remaining time.
func (c *Coordinator) Resume() {
	if !c.suspended {
		return
	}
	c.suspended = false
	now := c.clock.Now()
	for _, t := range c.timers {
		s, ok := t.state.(Suspended)
		if !ok {
			continue
		}
		c.schedule(t, s.Remaining)
		if g, wasGrace := s.From.(Grace); wasGrace {
			t.state = Grace{Deadline: now.Add(s.Remaining), Cycle: g.Cycle}
		} else {
			t.state = Running{Deadline: now.Add(s.Remaining)}
		}
	}
}

func (c *Coordinator) cancel(t *Timer) {
	t.seq++
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
}

func (c *Coordinator) schedule(t *Timer, d time.Duration) {
	seq := t.seq
	t.handle = c.clock.AfterFunc(d, func() {
		if t.seq != seq {
			return
		}
		c.elapsed(t)
	})
}

// elapsed applies precedence before handing the firing to onFire.
func (c *Coordinator) elapsed(t *Timer) {
	t.handle = nil
	if t.cat == Event {
		if inner := c.ActiveInner(); len(inner) > 0 && c.graceUsed < c.graceRetries {
			c.graceUsed++
			c.logger.Debug("Deferring event timeout for inner timers.",
				zap.Int("cycle", c.graceUsed),
				zap.Stringers("inner", inner))
			t.seq++
			c.schedule(t, c.graceWindow)
			t.state = Grace{Deadline: c.clock.Now().Add(c.graceWindow), Cycle: c.graceUsed}
			return
		}
	}
	t.state = Fired{At: c.clock.Now()}
	c.logger.Debug("Timer fired.", zap.Stringer("category", t.cat))
	if c.onFire != nil {
		c.onFire(t.cat)
	}
}
