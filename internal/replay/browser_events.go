package replay

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

// preload points the navigate tab at a blank page before the first navigate
// of a run so the recorded URL always loads fresh. It returns false when no
// preload is needed.
func (s *Session) preload(ev *schemas.Event) bool {
	tab, ok := s.navigateTab(ev)
	if !ok || s.deps.Host.CurrentURL(tab) == blankURL {
		return false
	}
	s.setDispatch(Preloading{TabID: tab})
	s.state.SetWaitType(schemas.WaitPreload)
	s.timers.Restart(timeouts.Navigation)
	if err := s.deps.Host.Navigate(tab, blankURL); err != nil {
		s.logger.Warn("Blank page preload failed; replaying without it.", zap.String("tab_id", tab), zap.Error(err))
		s.timers.Stop(timeouts.Navigation)
		s.setDispatch(Idle{})
		return false
	}
	s.logger.Debug("Preloading blank page.", zap.String("tab_id", tab))
	return true
}

func (s *Session) preloadDone() {
	s.timers.Stop(timeouts.Navigation)
	s.setDispatch(Idle{})
	s.state.SetWaitType(schemas.WaitNone)
	s.schedule(0)
}

// dispatchBrowser replays navigate and tab/window events through the host.
// They complete when the matching navigation or tab message arrives.
func (s *Session) dispatchBrowser(cur *inflight) {
	var err error
	switch cur.ev.Type {
	case schemas.EventNavigate:
		tab, ok := s.navigateTab(cur.ev)
		if !ok {
			s.eventFailed(schemas.StatusTargetNotFound, "no tab to navigate in")
			return
		}
		s.beginBrowserDispatch(cur, tab, schemas.WaitNavigation, timeouts.Navigation)
		err = s.deps.Host.Navigate(tab, cur.ev.Value)

	case schemas.EventTabOpen, schemas.EventWinOpen:
		s.beginBrowserDispatch(cur, "", schemas.WaitDispatching, timeouts.Response)
		err = s.deps.Host.OpenTab(cur.ev.Value, cur.ev.Type == schemas.EventWinOpen)

	case schemas.EventTabClose, schemas.EventWinClose:
		tab, ok := s.findTab(cur.ev.Tab)
		if !ok {
			s.eventFailed(schemas.StatusTargetNotFound, fmt.Sprintf("no tab matches %q", tabDesc(cur.ev.Tab)))
			return
		}
		s.beginBrowserDispatch(cur, tab, schemas.WaitDispatching, timeouts.Response)
		err = s.deps.Host.CloseTab(tab)

	case schemas.EventTabFocus:
		tab, ok := s.findTab(cur.ev.Tab)
		if !ok {
			s.eventFailed(schemas.StatusTargetNotFound, fmt.Sprintf("no tab matches %q", tabDesc(cur.ev.Tab)))
			return
		}
		s.beginBrowserDispatch(cur, tab, schemas.WaitDispatching, timeouts.Response)
		if s.isActiveTab(tab) {
			s.timers.Stop(timeouts.Response)
			s.settle()
			return
		}
		err = s.deps.Host.FocusTab(tab)

	default:
		s.eventFailed(schemas.StatusInternalError, fmt.Sprintf("%s is not a browser-level event", cur.ev.Type))
		return
	}
	if err != nil {
		s.eventFailed(schemas.StatusInternalError, fmt.Sprintf("%s failed: %v", cur.ev.Type, err))
	}
}

func (s *Session) beginBrowserDispatch(cur *inflight, tab string, wait schemas.WaitType, cat timeouts.Category) {
	cur.tabID = tab
	s.setDispatch(Dispatching{TabID: tab})
	s.state.SetWaitType(wait)
	s.timers.Restart(cat)
}

// findTab matches a recorded tab against the live ones: title and URL, then
// URL alone, then title alone, then any tab that showed the URL earlier.
func (s *Session) findTab(desc schemas.TabDescriptor) (string, bool) {
	tabs := s.deps.Host.Tabs()
	first := func(match func(schemas.TabInfo) bool) (string, bool) {
		for _, t := range tabs {
			if match(t) {
				return t.ID, true
			}
		}
		return "", false
	}
	if desc.Title != "" && desc.URL != "" {
		if id, ok := first(func(t schemas.TabInfo) bool { return t.Title == desc.Title && t.URL == desc.URL }); ok {
			return id, true
		}
	}
	if desc.URL != "" {
		if id, ok := first(func(t schemas.TabInfo) bool { return t.URL == desc.URL }); ok {
			return id, true
		}
	}
	if desc.Title != "" {
		if id, ok := first(func(t schemas.TabInfo) bool { return t.Title == desc.Title }); ok {
			return id, true
		}
	}
	if desc.URL != "" {
		return s.tree.FindTabByURL(desc.URL)
	}
	return "", false
}

// navigateTab is the tab a navigate event runs in: the recorded tab when it
// can be found, otherwise the active one.
func (s *Session) navigateTab(ev *schemas.Event) (string, bool) {
	if ev.Tab != (schemas.TabDescriptor{}) {
		if id, ok := s.findTab(ev.Tab); ok {
			return id, true
		}
	}
	return s.activeTab()
}

func (s *Session) activeTab() (string, bool) {
	tabs := s.deps.Host.Tabs()
	for _, t := range tabs {
		if t.Active {
			return t.ID, true
		}
	}
	if len(tabs) > 0 {
		return tabs[0].ID, true
	}
	return "", false
}

func (s *Session) isActiveTab(id string) bool {
	for _, t := range s.deps.Host.Tabs() {
		if t.ID == id {
			return t.Active
		}
	}
	return false
}

func tabDesc(d schemas.TabDescriptor) string {
	if d.Title != "" {
		return d.Title
	}
	return d.URL
}
