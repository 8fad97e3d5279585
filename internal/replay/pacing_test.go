package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

type fakeSuspend struct{ on bool }

func (f *fakeSuspend) Suspended() bool { return f.on }

func (h *harness) commit(url string) {
	h.deliver(schemas.NavigationEvent{Kind: schemas.NavCommitted, TabID: "tab-1", URL: url, MainFrame: true})
	h.deliver(schemas.NavigationEvent{Kind: schemas.NavCompleted, TabID: "tab-1", URL: url, MainFrame: true})
}

func withHints(ev schemas.Event, locations, mutations int) schemas.Event {
	ev.Hints.LocationChanges = locations
	ev.Hints.Mutations = mutations
	return ev
}

func TestSettleWaitsForLocationChanges(t *testing.T) {
	tests := []struct {
		name  string
		early int
	}{
		{"all commits after dispatch", 0},
		{"one commit during dispatch", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.connect("d-1", "https://shop.example/cart")
			h.content.onDispatch = func(req schemas.DispatchRequest) {
				for i := 0; i < tt.early && req.EventSeq == 1; i++ {
					h.commit("https://shop.example/step")
				}
			}
			h.start(scriptOf(withHints(click(1, "el-1"), 2, 0), click(2, "el-2")))

			h.stepUntil(func() bool { return h.session.State().Wait() == schemas.WaitLocations })
			assert.IsType(t, Settling{}, h.session.Dispatch())
			assert.True(t, h.session.timers.Active(timeouts.Location))
			assert.Equal(t, 2-tt.early, h.session.cur.locationsLeft)
			assert.Equal(t, []int{1}, h.content.dispatchedSeqs())

			for i := tt.early; i < 2; i++ {
				h.commit("https://shop.example/next")
			}
			res := h.runToEnd()
			assert.Equal(t, schemas.StatusSuccess, res.Status)
			assert.Equal(t, []int{1, 2}, h.content.dispatchedSeqs())
			assert.Equal(t, results.StateSuccess, h.eventNode(1).State)
		})
	}
}

func TestSettleWaitsForMutations(t *testing.T) {
	mutation := func(h *harness, begin bool) {
		h.deliver(schemas.MutationEvent{TabID: "tab-1", DocumentID: "d-1", Begin: begin})
	}
	tests := []struct {
		name     string
		during   []bool
		wantWait bool
		timer    timeouts.Category
		after    []bool
	}{
		{name: "begin and end during dispatch", during: []bool{true, false}},
		{name: "begin during dispatch", during: []bool{true}, wantWait: true, timer: timeouts.MutationEnd, after: []bool{false}},
		{name: "nothing during dispatch", wantWait: true, timer: timeouts.MutationBegin, after: []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.connect("d-1", "https://shop.example/cart")
			h.content.onDispatch = func(req schemas.DispatchRequest) {
				if req.EventSeq != 1 {
					return
				}
				for _, begin := range tt.during {
					mutation(h, begin)
				}
			}
			h.start(scriptOf(withHints(click(1, "el-1"), 0, 1), click(2, "el-2")))

			if tt.wantWait {
				h.stepUntil(func() bool { return h.session.State().Wait() == schemas.WaitMutations })
				assert.IsType(t, Settling{}, h.session.Dispatch())
				assert.True(t, h.session.timers.Active(tt.timer))
				for _, begin := range tt.after {
					mutation(h, begin)
				}
			}
			res := h.runToEnd()
			assert.Equal(t, schemas.StatusSuccess, res.Status)
			assert.Equal(t, []int{1, 2}, h.content.dispatchedSeqs())
			assert.Equal(t, results.StateSuccess, h.eventNode(1).State)
		})
	}
}

// A settle phase that times out is skipped when fail_on_timeout is off: the
// event is warned and replay moves on.
func TestSettleTimeoutSkipsPhase(t *testing.T) {
	tests := []struct {
		name      string
		locations int
		mutations int
		begin     bool
		status    schemas.StatusCode
	}{
		{name: "location", locations: 1, status: schemas.StatusTimeoutLocation},
		{name: "mutation begin", mutations: 1, status: schemas.StatusTimeoutMutationBegin},
		{name: "mutation end", mutations: 1, begin: true, status: schemas.StatusTimeoutMutationEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.ReplayConfig) { c.FailOnTimeout = false })
			h.connect("d-1", "https://shop.example/cart")
			h.content.onDispatch = func(req schemas.DispatchRequest) {
				if tt.begin && req.EventSeq == 1 {
					h.deliver(schemas.MutationEvent{TabID: "tab-1", DocumentID: "d-1", Begin: true})
				}
			}
			h.start(scriptOf(withHints(click(1, "el-1"), tt.locations, tt.mutations), click(2, "el-2")))

			res := h.runToEnd()
			assert.Equal(t, schemas.StatusSuccess, res.Status)
			assert.Equal(t, []int{1, 2}, h.content.dispatchedSeqs())
			node := h.eventNode(1)
			assert.Equal(t, results.StateWarning, node.State)
			assert.Equal(t, tt.status, node.Status)
			assert.Equal(t, 1, h.session.State().Snapshot().Progress.Skipped)
		})
	}

	t.Run("fails by default", func(t *testing.T) {
		h := newHarness(t, nil)
		h.connect("d-1", "https://shop.example/cart")
		h.start(scriptOf(withHints(click(1, "el-1"), 1, 0), click(2, "el-2")))

		res := h.runToEnd()
		assert.Equal(t, schemas.StatusTimeoutLocation, res.Status)
		assert.Equal(t, []int{1}, h.content.dispatchedSeqs())
	})
}

func TestSuspendSourceHoldsReplay(t *testing.T) {
	h := newHarness(t, nil)
	src := &fakeSuspend{on: true}
	h.session.deps.Suspend = src
	h.connect("d-1", "https://shop.example/cart")
	h.content.answer = func(req schemas.ElementSearchRequest) (bool, float64, bool) {
		return true, 1, req.Target.Fingerprint != "el-1"
	}
	h.start(scriptOf(click(1, "el-1"), click(2, "el-2")))

	h.clock.Advance(time.Second)
	assert.False(t, h.session.State().EventsEnabled())
	assert.Equal(t, schemas.ModeReplay, h.session.State().Mode())

	h.content.release()
	h.clock.Advance(time.Second)
	assert.Equal(t, []int{1}, h.content.dispatchedSeqs())
	assert.Equal(t, schemas.WaitSuspended, h.session.State().Wait())

	src.on = false
	res := h.runToEnd()
	assert.Equal(t, schemas.StatusSuccess, res.Status)
	assert.Equal(t, []int{1, 2}, h.content.dispatchedSeqs())
}

func TestSuspendSourceLeavesUserSuspendAlone(t *testing.T) {
	h := newHarness(t, nil)
	h.session.deps.Suspend = &fakeSuspend{}
	h.connect("d-1", "https://shop.example/cart")
	h.start(scriptOf(click(1, "el-1"), click(2, "el-2")))
	h.session.Suspend()

	h.clock.Advance(5 * time.Second)
	assert.False(t, h.session.State().EventsEnabled())
	assert.Equal(t, schemas.WaitSuspended, h.session.State().Wait())
	assert.Empty(t, h.content.dispatched)
	assert.Empty(t, h.sink.results)
}

func TestDrainWaitsForActivity(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("d-1", "https://shop.example/cart")
	h.start(scriptOf(click(1, "el-1")))
	h.stepUntil(func() bool { return h.session.State().Wait() == schemas.WaitDraining })

	h.session.Handle(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "tab-1", RequestID: "r1", URL: "https://shop.example/api/cart"})
	h.clock.Advance(100 * time.Millisecond)
	assert.Empty(t, h.sink.results)
	assert.Greater(t, h.session.drainDelay, 10*time.Millisecond)

	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.sink.results)
	assert.Equal(t, time.Second, h.session.drainDelay, "backoff is capped")

	h.session.Handle(schemas.NetworkEvent{Kind: schemas.NetComplete, TabID: "tab-1", RequestID: "r1"})
	h.clock.Advance(time.Second)
	require.Len(t, h.sink.results, 1)
	assert.Equal(t, schemas.StatusSuccess, h.sink.results[0].Status)
	assert.Equal(t, schemas.RunTypeCompletedStop, h.session.State().Snapshot().Type)
}

func TestDrainShutdownTimerFinishes(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("d-1", "https://shop.example/cart")
	h.start(scriptOf(click(1, "el-1")))
	h.stepUntil(func() bool { return h.session.State().Wait() == schemas.WaitDraining })
	started := h.clock.Now()

	h.session.Handle(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "tab-1", RequestID: "r1", URL: "https://shop.example/api/stream"})
	h.clock.Advance(29 * time.Second)
	assert.Empty(t, h.sink.results)

	res := h.runToEnd()
	assert.Equal(t, schemas.StatusSuccess, res.Status)
	assert.Equal(t, started.Add(30*time.Second), h.clock.Now())
	assert.Equal(t, schemas.RunTypeCompletedStop, h.session.State().Snapshot().Type)
}
