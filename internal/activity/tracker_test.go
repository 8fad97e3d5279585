package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

func newTracker(t *testing.T, patterns ...string) *Tracker {
	t.Helper()
	tr, err := NewTracker(patterns, zaptest.NewLogger(t))
	require.NoError(t, err)
	return tr
}

func TestNetworkLifecycle(t *testing.T) {
	tr := newTracker(t)
	tr.Track("tab-1")
	assert.True(t, tr.IsIdle())

	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "tab-1", RequestID: "r1", URL: "https://shop.example/api"})
	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "tab-1", RequestID: "r2", URL: "https://shop.example/img.png"})
	assert.True(t, tr.IsActive())
	assert.True(t, tr.NetworkActive())
	assert.Equal(t, []Reason{{TabID: "tab-1", Kind: "network", Count: 2}}, tr.Reasons())

	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetComplete, TabID: "tab-1", RequestID: "r1"})
	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetError, TabID: "tab-1", RequestID: "r2"})
	assert.True(t, tr.IsIdle())
}

func TestUntrackedTabsAreIgnored(t *testing.T) {
	tr := newTracker(t)
	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "other", RequestID: "r1", URL: "https://x"})
	tr.ObserveNavigation(schemas.NavigationEvent{Kind: schemas.NavBeforeNavigate, TabID: "other", MainFrame: true})
	assert.True(t, tr.IsIdle())
	assert.False(t, tr.Tracked("other"))
}

func TestIgnorePatterns(t *testing.T) {
	tr := newTracker(t, "*://*.google-analytics.com/*", "*/poll?*")
	tr.Track("t")
	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "t", RequestID: "ga", URL: "https://www.google-analytics.com/collect"})
	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "t", RequestID: "lp", URL: "https://app.example/poll?since=4"})
	assert.True(t, tr.IsIdle())
}

func TestAuthRequiredStopsWaiting(t *testing.T) {
	tr := newTracker(t)
	tr.Track("t")
	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "t", RequestID: "r", URL: "https://intranet"})
	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetAuthRequired, TabID: "t", RequestID: "r", URL: "https://intranet"})
	assert.True(t, tr.IsIdle())
}

func TestDocumentMutationAndDialogFlags(t *testing.T) {
	tr := newTracker(t)
	tr.Track("a")
	tr.Track("b")

	tr.ObserveNavigation(schemas.NavigationEvent{Kind: schemas.NavCommitted, TabID: "a", MainFrame: true})
	tr.ObserveNavigation(schemas.NavigationEvent{Kind: schemas.NavCommitted, TabID: "a", MainFrame: false})
	tr.ObserveMutation(schemas.MutationEvent{TabID: "b", Begin: true})
	tr.ObserveDialog(schemas.DialogEvent{TabID: "b", Open: true})

	assert.True(t, tr.Loading())
	assert.True(t, tr.DialogOpen())
	assert.Equal(t, []Reason{
		{TabID: "a", Kind: "loading"},
		{TabID: "b", Kind: "dialog"},
		{TabID: "b", Kind: "mutations"},
	}, tr.Reasons())

	tr.ObserveNavigation(schemas.NavigationEvent{Kind: schemas.NavCompleted, TabID: "a", MainFrame: true})
	tr.ClearMutations()
	tr.ObserveDialog(schemas.DialogEvent{TabID: "b", Open: false})
	assert.True(t, tr.IsIdle())
}

func TestClearNetworkAndUntrack(t *testing.T) {
	tr := newTracker(t)
	tr.Track("t")
	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "t", RequestID: "r", URL: "https://x"})
	tr.ClearNetwork()
	assert.False(t, tr.NetworkActive())

	tr.ObserveNetwork(schemas.NetworkEvent{Kind: schemas.NetStart, TabID: "t", RequestID: "r", URL: "https://x"})
	tr.Untrack("t")
	assert.True(t, tr.IsIdle())
}

func TestClearLoadingAndDialog(t *testing.T) {
	tr := newTracker(t)
	tr.Track("t")
	tr.ObserveNavigation(schemas.NavigationEvent{Kind: schemas.NavBeforeNavigate, TabID: "t", MainFrame: true})
	tr.ObserveDialog(schemas.DialogEvent{TabID: "t", Open: true})

	tr.ClearLoading()
	assert.False(t, tr.Loading())
	assert.True(t, tr.DialogOpen())

	tr.ClearDialog()
	assert.True(t, tr.IsIdle())
}
