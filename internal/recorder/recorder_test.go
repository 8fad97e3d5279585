package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newRecorder(t *testing.T, script *schemas.Script) (*Recorder, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(script, "checkout", clock.now, zaptest.NewLogger(t)), clock
}

func TestNavigationsStartActions(t *testing.T) {
	r, clock := newRecorder(t, nil)
	base := clock.t

	r.Observe(schemas.RecordedEvent{TabID: "tab-1", Type: schemas.EventNavigate, Value: "https://shop.example/", At: base})
	r.Observe(schemas.NavigationEvent{Kind: schemas.NavCommitted, TabID: "tab-1", URL: "https://shop.example/", MainFrame: true})
	r.Observe(schemas.RecordedEvent{TabID: "tab-1", Type: schemas.EventClick, Target: schemas.Target{Fingerprint: "cart"}, Tab: schemas.TabDescriptor{Title: "Shop"}, At: base.Add(2 * time.Second)})
	// The click navigates.
	r.Observe(schemas.NavigationEvent{Kind: schemas.NavCommitted, TabID: "tab-1", URL: "https://shop.example/cart", MainFrame: true})
	r.Observe(schemas.MutationEvent{TabID: "tab-1", Begin: true})
	r.Observe(schemas.RecordedEvent{TabID: "tab-1", Type: schemas.EventClick, Target: schemas.Target{Fingerprint: "checkout"}, Tab: schemas.TabDescriptor{Title: "Cart"}, At: base.Add(5 * time.Second)})

	s := r.Script()
	assert.Equal(t, "checkout", s.Name)
	assert.Equal(t, 3, r.Recorded())
	require.Len(t, s.Subscripts, 1)
	actions := s.Subscripts[0].Actions
	require.Len(t, actions, 2)

	assert.Equal(t, "https://shop.example/", actions[0].Title)
	require.Len(t, actions[0].Events, 2)
	nav, cart := actions[0].Events[0], actions[0].Events[1]
	assert.Equal(t, 0, nav.Hints.LocationChanges, "a navigate's own commit is not a location change")
	assert.Equal(t, 1, cart.Hints.LocationChanges)
	assert.Equal(t, 1, cart.Hints.Mutations)
	assert.Equal(t, 2*time.Second, cart.Hints.ThinkTime)

	assert.Equal(t, "Cart", actions[1].Title)
	require.Len(t, actions[1].Events, 1)
	assert.Equal(t, 3*time.Second, actions[1].Events[0].Hints.ThinkTime)
	assert.Equal(t, []int{1, 2, 3}, []int{nav.Seq, cart.Seq, actions[1].Events[0].Seq})
}

func TestTabEventsAreRecorded(t *testing.T) {
	r, _ := newRecorder(t, nil)
	tab := schemas.TabInfo{ID: "tab-2", Title: "Help", URL: "https://shop.example/help"}

	r.Observe(schemas.TabEvent{Kind: schemas.TabCreated, Tab: tab})
	r.Observe(schemas.TabEvent{Kind: schemas.TabActivated, Tab: tab})
	r.Observe(schemas.TabEvent{Kind: schemas.TabActivated, Tab: schemas.TabInfo{ID: "tab-1", Title: "Shop"}})
	r.Observe(schemas.TabEvent{Kind: schemas.TabRemoved, Tab: tab, Window: true})
	r.Observe(schemas.TabEvent{Kind: schemas.TabUpdated, Tab: tab})

	var types []schemas.EventType
	for _, act := range r.Script().Subscripts[0].Actions {
		for _, ev := range act.Events {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []schemas.EventType{schemas.EventTabOpen, schemas.EventTabFocus, schemas.EventWinClose}, types)
}

func TestAppendContinuesSequence(t *testing.T) {
	existing := &schemas.Script{
		Name: "existing",
		Subscripts: []schemas.Subscript{{Name: "main", Actions: []schemas.Action{
			{Seq: 4, Events: []schemas.Event{{Seq: 9, Type: schemas.EventClick}}},
		}}},
	}
	r, _ := newRecorder(t, existing)
	r.Observe(schemas.RecordedEvent{TabID: "tab-1", Type: schemas.EventNavigate, Value: "https://shop.example/"})

	actions := r.Script().Subscripts[0].Actions
	require.Len(t, actions, 2)
	assert.Equal(t, 5, actions[1].Seq)
	assert.Equal(t, 10, actions[1].Events[0].Seq)
	assert.Equal(t, "existing", r.Script().Name)
}

func TestUnknownEventTypeIsDropped(t *testing.T) {
	r, _ := newRecorder(t, nil)
	r.Observe(schemas.RecordedEvent{TabID: "tab-1", Type: "teleport"})
	r.Observe(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "tab-1"})
	assert.Equal(t, 0, r.Recorded())
	assert.Empty(t, r.Script().Subscripts[0].Actions)
}
