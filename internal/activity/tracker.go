// Package activity aggregates per-tab busy signals (network requests,
// document loads, DOM mutations, dialogs) into a single idle/active answer.
package activity

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// tabActivity is the busy state of one tab.
type tabActivity struct {
	inflight  map[string]string // request id -> url
	loading   bool
	mutations bool
	dialog    bool
}

func (t *tabActivity) busy() bool {
	return len(t.inflight) > 0 || t.loading || t.mutations || t.dialog
}

// Reason is one cause of a tab being active.
type Reason struct {
	TabID string
	Kind  string
	Count int
}

func (r Reason) String() string {
	if r.Count > 0 {
		return fmt.Sprintf("%s:%s(%d)", r.TabID, r.Kind, r.Count)
	}
	return r.TabID + ":" + r.Kind
}

// Tracker aggregates activity for the tabs a session tracks. Untracked tabs
// are ignored entirely. It is not safe for concurrent use; the replay session
// calls it from its loop goroutine.
type Tracker struct {
	logger  *zap.Logger
	ignore  []glob.Glob
	tracked map[string]*tabActivity
}

// NewTracker compiles the ignore patterns and returns an empty tracker.
func NewTracker(ignorePatterns []string, logger *zap.Logger) (*Tracker, error) {
	t := &Tracker{
		logger:  logger.Named("activity"),
		tracked: make(map[string]*tabActivity),
	}
	for _, p := range ignorePatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		t.ignore = append(t.ignore, g)
	}
	return t, nil
}

// Track starts tracking a tab. Tracking an already tracked tab is a no-op.
func (t *Tracker) Track(tabID string) {
	if _, ok := t.tracked[tabID]; !ok {
		t.tracked[tabID] = &tabActivity{inflight: make(map[string]string)}
	}
}

// Untrack forgets a tab and anything pending on it.
func (t *Tracker) Untrack(tabID string) {
	delete(t.tracked, tabID)
}

// Tracked reports whether tabID is tracked.
func (t *Tracker) Tracked(tabID string) bool {
	_, ok := t.tracked[tabID]
	return ok
}

// Reset drops all tracked tabs.
func (t *Tracker) Reset() {
	t.tracked = make(map[string]*tabActivity)
}

func (t *Tracker) ignored(url string) bool {
	for _, g := range t.ignore {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// ObserveNetwork folds a network lifecycle event into the tab's state.
func (t *Tracker) ObserveNetwork(ev schemas.NetworkEvent) {
	tab, ok := t.tracked[ev.TabID]
	if !ok {
		return
	}
	switch ev.Kind {
	case schemas.NetStart:
		if t.ignored(ev.URL) {
			return
		}
		tab.inflight[ev.RequestID] = ev.URL
	case schemas.NetRedirect:
		if _, pending := tab.inflight[ev.RequestID]; pending {
			tab.inflight[ev.RequestID] = ev.URL
		}
	case schemas.NetComplete, schemas.NetError:
		delete(tab.inflight, ev.RequestID)
	case schemas.NetAuthRequired:
		// The request is parked on credentials; waiting for it would deadlock.
		delete(tab.inflight, ev.RequestID)
		t.logger.Warn("Request requires authentication; no longer waiting on it.",
			zap.String("tab", ev.TabID), zap.String("url", ev.URL))
	}
}

// ObserveNavigation tracks document loading from navigation lifecycle events.
func (t *Tracker) ObserveNavigation(ev schemas.NavigationEvent) {
	tab, ok := t.tracked[ev.TabID]
	if !ok || !ev.MainFrame {
		return
	}
	switch ev.Kind {
	case schemas.NavBeforeNavigate, schemas.NavCommitted:
		tab.loading = true
	case schemas.NavCompleted, schemas.NavError:
		tab.loading = false
	}
}

// ObserveMutation tracks whether DOM mutations are settling.
func (t *Tracker) ObserveMutation(ev schemas.MutationEvent) {
	if tab, ok := t.tracked[ev.TabID]; ok {
		tab.mutations = ev.Begin
	}
}

// ObserveDialog tracks open JavaScript dialogs.
func (t *Tracker) ObserveDialog(ev schemas.DialogEvent) {
	if tab, ok := t.tracked[ev.TabID]; ok {
		tab.dialog = ev.Open
	}
}

// ClearNetwork forgets in-flight requests on every tab. Used when the user
// chooses to stop waiting on the network.
func (t *Tracker) ClearNetwork() {
	for _, tab := range t.tracked {
		tab.inflight = make(map[string]string)
	}
}

// ClearMutations forgets pending mutation activity on every tab.
func (t *Tracker) ClearMutations() {
	for _, tab := range t.tracked {
		tab.mutations = false
	}
}

// ClearLoading forgets document loads that never reported completion.
func (t *Tracker) ClearLoading() {
	for _, tab := range t.tracked {
		tab.loading = false
	}
}

// ClearDialog forgets dialogs the host never reported closed.
func (t *Tracker) ClearDialog() {
	for _, tab := range t.tracked {
		tab.dialog = false
	}
}

// IsActive reports whether any tracked tab is busy.
func (t *Tracker) IsActive() bool {
	for _, tab := range t.tracked {
		if tab.busy() {
			return true
		}
	}
	return false
}

// IsIdle is the negation of IsActive.
func (t *Tracker) IsIdle() bool { return !t.IsActive() }

// NetworkActive reports whether any tracked tab has requests in flight.
func (t *Tracker) NetworkActive() bool {
	for _, tab := range t.tracked {
		if len(tab.inflight) > 0 {
			return true
		}
	}
	return false
}

// Loading reports whether any tracked tab is loading a document.
func (t *Tracker) Loading() bool {
	for _, tab := range t.tracked {
		if tab.loading {
			return true
		}
	}
	return false
}

// DialogOpen reports whether any tracked tab has a dialog up.
func (t *Tracker) DialogOpen() bool {
	for _, tab := range t.tracked {
		if tab.dialog {
			return true
		}
	}
	return false
}

// Reasons lists why tracked tabs are busy, sorted for stable logging.
func (t *Tracker) Reasons() []Reason {
	var out []Reason
	for id, tab := range t.tracked {
		if n := len(tab.inflight); n > 0 {
			out = append(out, Reason{TabID: id, Kind: "network", Count: n})
		}
		if tab.loading {
			out = append(out, Reason{TabID: id, Kind: "loading"})
		}
		if tab.mutations {
			out = append(out, Reason{TabID: id, Kind: "mutations"})
		}
		if tab.dialog {
			out = append(out, Reason{TabID: id, Kind: "dialog"})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TabID != out[j].TabID {
			return out[i].TabID < out[j].TabID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
