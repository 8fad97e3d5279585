package replay

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/timeouts"
)

// Handle folds one collaborator message into the session. It must run on
// the session goroutine.
func (s *Session) Handle(msg schemas.Message) {
	defer s.recoverPanic("message")
	if s.recorder != nil {
		s.recorder.Observe(msg)
	}
	switch m := msg.(type) {
	case schemas.ElementSearchResponse:
		if !s.resolver.HandleResponse(m) {
			s.logger.Debug("Ignoring stale element search response.", zap.Uint32("search_id", m.SearchID), zap.Uint64("generation", m.Generation))
		}
	case schemas.KeywordSearchResponse:
		s.validator.HandleKeywordResponse(m)
	case schemas.AssertionResponse:
		s.validator.HandleAssertionResponse(m)
	case schemas.DispatchAck:
		s.onDispatchAck(m)
	case schemas.DispatchComplete:
		s.onDispatchComplete(m)
	case schemas.ExceptionReport:
		s.onException(m)
	case schemas.DocumentConnected:
		s.docSeq++
		s.known[m.DocumentID] = m
		s.knownSeq[m.DocumentID] = s.docSeq
		s.tree.AddDocument(m)
	case schemas.DocumentDisconnected:
		s.onDocumentDisconnected(m)
	case schemas.NavigationEvent:
		s.onNavigation(m)
	case schemas.NetworkEvent:
		s.onNetwork(m)
	case schemas.TabEvent:
		s.onTab(m)
	case schemas.DialogEvent:
		s.onDialog(m)
	case schemas.MutationEvent:
		s.onMutation(m)
	case schemas.DownloadEvent:
		s.logger.Debug("Download activity.", zap.String("url", m.URL), zap.Bool("finished", m.Finished))
	case schemas.RecordedEvent:
		if s.recorder == nil {
			s.logger.Debug("Ignoring recorded event outside of Record mode.", zap.String("type", string(m.Type)))
		}
	default:
		s.logger.Warn("Unknown message type.", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// awaiting returns the in-flight event if the reply belongs to it.
func (s *Session) awaiting(gen uint64, seq int) *inflight {
	if s.cur == nil || gen != s.generation || s.cur.ev.Seq != seq {
		return nil
	}
	return s.cur
}

func (s *Session) onDispatchAck(m schemas.DispatchAck) {
	if s.awaiting(m.Generation, m.EventSeq) == nil {
		return
	}
	if _, ok := s.dispatch.(Dispatching); ok {
		s.setDispatch(Acked{DocumentID: m.DocumentID})
	}
}

func (s *Session) onDispatchComplete(m schemas.DispatchComplete) {
	if s.awaiting(m.Generation, m.EventSeq) == nil {
		s.logger.Debug("Ignoring stale dispatch completion.", zap.Int("seq", m.EventSeq), zap.Uint64("generation", m.Generation))
		return
	}
	switch s.dispatch.(type) {
	case Dispatching, Acked:
	default:
		return
	}
	s.timers.Stop(timeouts.Response)
	if m.Error != "" {
		s.eventFailed(schemas.StatusInternalError, "event dispatch failed: "+m.Error)
		return
	}
	s.settle()
}

func (s *Session) onException(m schemas.ExceptionReport) {
	if s.script == nil {
		return
	}
	s.exceptions++
	if s.exceptions <= s.opts.Replay.MaxLoggedExceptions {
		s.logger.Warn("Exception in page content.",
			zap.String("document_id", m.DocumentID),
			zap.String("message", m.Message),
			zap.String("stack", m.Stack))
	}
	msg := "uncaught exception: " + m.Message
	if limit := s.opts.Replay.ExceptionCap; limit > 0 && s.exceptions > limit {
		s.failRun(schemas.StatusInternalError, fmt.Sprintf("%s (%d exceptions, limit %d)", msg, s.exceptions, limit))
		return
	}
	s.warnCurrent(schemas.StatusInternalError, msg, false)
}

func (s *Session) onDocumentDisconnected(m schemas.DocumentDisconnected) {
	delete(s.known, m.DocumentID)
	delete(s.knownSeq, m.DocumentID)
	s.tree.RemoveDocument(m.DocumentID)
	s.resolver.HandleDisconnect(m.DocumentID)
	s.validator.HandleDisconnect(m.DocumentID)

	// An event that unloads its own document never reports completion.
	cur := s.cur
	if cur == nil || cur.docID != m.DocumentID {
		return
	}
	switch s.dispatch.(type) {
	case Dispatching, Acked:
		s.timers.Stop(timeouts.Response)
		s.settle()
	}
}

func (s *Session) onNavigation(m schemas.NavigationEvent) {
	s.tracker.ObserveNavigation(m)
	if s.script == nil || !m.MainFrame {
		return
	}
	if p, ok := s.dispatch.(Preloading); ok {
		if m.TabID == p.TabID && (m.Kind == schemas.NavCompleted || m.Kind == schemas.NavError) {
			s.preloadDone()
		}
		return
	}
	cur := s.cur
	if cur == nil {
		return
	}
	if d, ok := s.dispatch.(Dispatching); ok && cur.ev.Type == schemas.EventNavigate {
		if m.TabID != d.TabID {
			return
		}
		switch m.Kind {
		case schemas.NavCompleted:
			s.timers.Stop(timeouts.Navigation)
			s.settle()
		case schemas.NavError:
			s.httpFailure(fmt.Sprintf("navigation to %s failed: %s", m.URL, m.Error))
		}
		return
	}

	if m.Kind != schemas.NavCommitted || (cur.tabID != "" && m.TabID != cur.tabID) {
		return
	}
	switch s.dispatch.(type) {
	case Dispatching, Acked:
		cur.earlyCommits++
	case Settling:
		if cur.locationsLeft > 0 {
			cur.locationsLeft--
			if cur.locationsLeft == 0 {
				s.timers.Stop(timeouts.Location)
			} else {
				s.timers.Restart(timeouts.Location)
			}
		}
		s.checkSettled()
	}
}

// httpFailure ends or warns the in-flight navigate depending on
// fail_on_http_error. A warned navigate carries on settling.
func (s *Session) httpFailure(msg string) {
	if s.opts.Replay.FailOnHTTPError {
		s.eventFailed(schemas.StatusHTTPError, msg)
		return
	}
	if !s.warnCurrent(schemas.StatusHTTPError, msg, false) {
		return
	}
	if _, ok := s.dispatch.(Dispatching); ok {
		s.timers.Stop(timeouts.Navigation)
		s.settle()
	}
}

func (s *Session) onNetwork(m schemas.NetworkEvent) {
	s.tracker.ObserveNetwork(m)
	if s.script == nil || m.Kind != schemas.NetHeaders || !m.Document || m.StatusCode < 400 {
		return
	}
	if !s.tracker.Tracked(m.TabID) || s.httpErrors[m.RequestID] {
		return
	}
	s.httpErrors[m.RequestID] = true
	msg := fmt.Sprintf("%s returned HTTP %d", m.URL, m.StatusCode)
	if s.opts.Replay.FailOnHTTPError {
		s.eventFailed(schemas.StatusHTTPError, msg)
		return
	}
	s.warnCurrent(schemas.StatusHTTPError, msg, false)
}

func (s *Session) onTab(m schemas.TabEvent) {
	switch m.Kind {
	case schemas.TabCreated:
		s.tree.AddBrowser(m.Tab.ID, m.Tab.Title)
		s.tracker.Track(m.Tab.ID)
	case schemas.TabRemoved:
		s.tree.RemoveBrowser(m.Tab.ID)
		s.tracker.Untrack(m.Tab.ID)
	case schemas.TabUpdated:
		if b, ok := s.tree.Browser(m.Tab.ID); ok && m.Tab.Title != "" {
			b.Title = m.Tab.Title
		}
		return
	}
	if cur := s.cur; cur != nil && s.tabEventCompletes(cur, m) {
		s.timers.Stop(timeouts.Response)
		if m.Kind == schemas.TabCreated {
			cur.tabID = m.Tab.ID
		}
		s.settle()
	}
}

// tabEventCompletes reports whether m is the effect the in-flight
// browser-level event was waiting for.
func (s *Session) tabEventCompletes(cur *inflight, m schemas.TabEvent) bool {
	d, ok := s.dispatch.(Dispatching)
	if !ok {
		return false
	}
	switch cur.ev.Type {
	case schemas.EventTabOpen:
		return m.Kind == schemas.TabCreated && !m.Window
	case schemas.EventWinOpen:
		return m.Kind == schemas.TabCreated && m.Window
	case schemas.EventTabClose, schemas.EventWinClose:
		return m.Kind == schemas.TabRemoved && m.Tab.ID == d.TabID
	case schemas.EventTabFocus:
		return m.Kind == schemas.TabActivated && m.Tab.ID == d.TabID
	}
	return false
}

func (s *Session) onDialog(m schemas.DialogEvent) {
	s.tracker.ObserveDialog(m)
	if s.script == nil || !m.Open || !s.tracker.Tracked(m.TabID) {
		return
	}
	if err := s.deps.Host.DismissDialog(m.TabID); err != nil {
		s.logger.Error("Failed to dismiss dialog.", zap.String("tab_id", m.TabID), zap.Error(err))
	}
	s.warnCurrent(schemas.StatusUnexpectedDialog, fmt.Sprintf("unexpected dialog: %q", m.Message), false)
}

func (s *Session) onMutation(m schemas.MutationEvent) {
	s.tracker.ObserveMutation(m)
	cur := s.cur
	if cur == nil || (cur.docID != "" && m.DocumentID != cur.docID) {
		return
	}
	switch s.dispatch.(type) {
	case Dispatching, Acked:
		if m.Begin {
			cur.sawBegin = true
		} else if cur.sawBegin {
			cur.sawEnd = true
		}
	case Settling:
		switch {
		case m.Begin && cur.mutation == mutationAwaitBegin:
			cur.mutation = mutationAwaitEnd
			s.timers.Stop(timeouts.MutationBegin)
			s.timers.Restart(timeouts.MutationEnd)
		case !m.Begin && cur.mutation == mutationAwaitEnd:
			cur.mutation = mutationNone
			s.timers.Stop(timeouts.MutationEnd)
			s.checkSettled()
		}
	}
}
