package timeouts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type firing struct {
	cat Category
	at  time.Duration
}

func newTestCoordinator(t *testing.T, graceRetries int) (*Coordinator, *VirtualClock, *[]firing) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewVirtualClock(start)
	var fired []firing
	c := NewCoordinator(clock, Options{
		Durations: map[Category]time.Duration{
			Event:      time.Second,
			Network:    4 * time.Second,
			Location:   10 * time.Second,
			Navigation: 100 * time.Second,
			ReplayLoop: 50 * time.Millisecond,
		},
		GraceRetries: graceRetries,
		GraceWindow:  2 * time.Second,
	}, zaptest.NewLogger(t), func(cat Category) {
		fired = append(fired, firing{cat: cat, at: clock.Now().Sub(start)})
	})
	return c, clock, &fired
}

func TestEventFiresWithoutInnerTimers(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 3)
	c.Restart(Event)

	clock.Advance(999 * time.Millisecond)
	assert.Empty(t, *fired)

	clock.Advance(time.Millisecond)
	require.Len(t, *fired, 1)
	assert.Equal(t, firing{Event, time.Second}, (*fired)[0])
	assert.IsType(t, Fired{}, c.State(Event))
}

func TestEventYieldsToActiveInnerTimer(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 3)
	c.Restart(Network)
	c.Restart(Event)

	// At 1s the event timer is due but network is live: grace until 3s, then 5s.
	clock.Advance(time.Second)
	assert.Empty(t, *fired)
	assert.Equal(t, Grace{Deadline: clock.Now().Add(2 * time.Second), Cycle: 1}, c.State(Event))

	clock.Advance(10 * time.Second)
	require.Len(t, *fired, 2)
	assert.Equal(t, firing{Network, 4 * time.Second}, (*fired)[0], "inner timer must get its chance first")
	assert.Equal(t, firing{Event, 5 * time.Second}, (*fired)[1])
}

func TestGraceIsBoundedByRetries(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 2)
	c.Restart(Navigation)
	c.Restart(Event)

	clock.Advance(5 * time.Second)
	require.Len(t, *fired, 1)
	assert.Equal(t, firing{Event, 5 * time.Second}, (*fired)[0], "event fires after two grace cycles even though navigation is live")
	assert.True(t, c.Active(Navigation))
}

func TestZeroGraceRetriesStillGrantsOneCycle(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 0)
	c.Restart(Location)
	c.Restart(Event)

	clock.Advance(time.Second)
	assert.Empty(t, *fired)
	clock.Advance(2 * time.Second)
	require.Len(t, *fired, 1)
	assert.Equal(t, Event, (*fired)[0].cat)
}

func TestRestartResetsGraceBudget(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 1)
	c.Restart(Navigation)
	c.Restart(Event)
	clock.Advance(time.Second) // uses the only grace cycle

	c.Restart(Event)
	clock.Advance(time.Second)
	assert.Empty(t, *fired, "a restarted event timer gets a fresh grace budget")
	clock.Advance(2 * time.Second)
	require.Len(t, *fired, 1)
}

func TestStopPreventsFiring(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 3)
	c.Restart(Network)
	clock.Advance(time.Second)
	c.Stop(Network)
	clock.Advance(time.Minute)
	assert.Empty(t, *fired)
	assert.False(t, c.Active(Network))
	assert.Equal(t, 0, clock.Pending())
}

func TestStopAll(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 3)
	for _, cat := range []Category{Event, Network, Location, ReplayLoop} {
		c.Restart(cat)
	}
	c.StopAll()
	clock.Advance(time.Hour)
	assert.Empty(t, *fired)
	assert.Empty(t, c.ActiveInner())
}

func TestSuspendAndResume(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 3)
	c.Restart(Location)
	clock.Advance(4 * time.Second)

	c.Suspend()
	s, ok := c.State(Location).(Suspended)
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, s.Remaining)
	assert.IsType(t, Running{}, s.From)
	clock.Advance(time.Hour)
	assert.Empty(t, *fired)

	c.Resume()
	clock.Advance(5900 * time.Millisecond)
	assert.Empty(t, *fired)
	clock.Advance(100 * time.Millisecond)
	require.Len(t, *fired, 1)
	assert.Equal(t, Location, (*fired)[0].cat)
}

func TestRestartWhileSuspendedWaitsForResume(t *testing.T) {
	c, clock, fired := newTestCoordinator(t, 3)
	c.Suspend()
	c.Restart(Network)
	clock.Advance(time.Minute)
	assert.Empty(t, *fired)
	c.Resume()
	clock.Advance(4 * time.Second)
	require.Len(t, *fired, 1)
}

func TestDoubleAndOverrides(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 3)
	assert.Equal(t, 4*time.Second, c.Duration(Network))

	c.Double(Network)
	assert.Equal(t, 8*time.Second, c.Duration(Network))
	c.Double(Network)
	assert.Equal(t, 16*time.Second, c.Duration(Network))

	c.SetOverrides(map[string]time.Duration{"network": time.Second, "bogus": time.Hour})
	assert.Equal(t, 4*time.Second, c.Duration(Network), "override is multiplied too")

	c.ResetMultipliers()
	assert.Equal(t, time.Second, c.Duration(Network))
	assert.Equal(t, time.Second, c.Duration(Event))
}

func TestCategoryMetadata(t *testing.T) {
	for _, cat := range Categories() {
		parsed, ok := ParseCategory(cat.String())
		require.True(t, ok, cat.String())
		assert.Equal(t, cat, parsed)
	}
	assert.True(t, MutationEnd.Inner())
	assert.False(t, Event.Inner())
	assert.False(t, Status.Inner())
	assert.Equal(t, "unknown", Category(99).String())
}
