// Package recorder turns the interactions captured in Record mode into a
// script. Each navigation opens a new action; replay hints are derived from
// what the browser did between one captured event and the next.
package recorder

import (
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Recorder builds a script from observed messages. It is not safe for
// concurrent use; the session feeds it from its loop goroutine.
type Recorder struct {
	script *schemas.Script
	now    func() time.Time
	logger *zap.Logger

	nextEventSeq  int
	nextActionSeq int
	newAction     bool
	last          *eventPos
	recorded      int
	lastTabEvent  schemas.TabEvent
}

// eventPos addresses the most recent event by index; pointers into the
// events slice would not survive appends.
type eventPos struct {
	action, event int
	at            time.Time
	// ownCommit is true while a navigate event still waits for the commit it
	// caused itself; that one is not a location change.
	ownCommit bool
}

// New starts recording into script. A nil script starts a new recording;
// otherwise events are appended after the existing main sequence.
func New(script *schemas.Script, name string, now func() time.Time, logger *zap.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	if script == nil {
		script = &schemas.Script{
			Name:       name,
			Version:    1,
			Created:    now().UTC(),
			Subscripts: []schemas.Subscript{{Name: "main"}},
		}
	}
	if len(script.Subscripts) == 0 {
		script.Subscripts = []schemas.Subscript{{Name: "main"}}
	}
	r := &Recorder{
		script:    script,
		now:       now,
		logger:    logger.Named("recorder"),
		newAction: true,
	}
	for _, sub := range script.Subscripts {
		for _, act := range sub.Actions {
			r.nextActionSeq = max(r.nextActionSeq, act.Seq)
			for _, ev := range act.Events {
				r.nextEventSeq = max(r.nextEventSeq, ev.Seq)
			}
		}
	}
	return r
}

// Script returns the script recorded so far.
func (r *Recorder) Script() *schemas.Script { return r.script }

// Recorded is the number of events captured by this recorder.
func (r *Recorder) Recorded() int { return r.recorded }

// Observe folds one message into the recording.
func (r *Recorder) Observe(msg schemas.Message) {
	switch m := msg.(type) {
	case schemas.RecordedEvent:
		r.add(m)
	case schemas.NavigationEvent:
		r.observeNavigation(m)
	case schemas.MutationEvent:
		if ev := r.lastEvent(); ev != nil && m.Begin {
			ev.Hints.Mutations++
		}
	case schemas.NetworkEvent:
		if ev := r.lastEvent(); ev != nil && m.Kind == schemas.NetStart {
			ev.Hints.Network = true
		}
	case schemas.TabEvent:
		r.observeTab(m)
	}
}

func (r *Recorder) observeNavigation(m schemas.NavigationEvent) {
	if !m.MainFrame || m.Kind != schemas.NavCommitted {
		return
	}
	if r.last != nil && r.last.ownCommit {
		r.last.ownCommit = false
		return
	}
	r.newAction = true
	if ev := r.lastEvent(); ev != nil {
		ev.Hints.LocationChanges++
	}
}

func (r *Recorder) observeTab(m schemas.TabEvent) {
	prev := r.lastTabEvent
	r.lastTabEvent = m
	desc := schemas.TabDescriptor{Title: m.Tab.Title, URL: m.Tab.URL}
	var typ schemas.EventType
	switch m.Kind {
	case schemas.TabCreated:
		typ = schemas.EventTabOpen
		if m.Window {
			typ = schemas.EventWinOpen
		}
	case schemas.TabRemoved:
		typ = schemas.EventTabClose
		if m.Window {
			typ = schemas.EventWinClose
		}
	case schemas.TabActivated:
		// A created tab is activated right away; that is not a separate focus.
		if prev.Kind == schemas.TabCreated && prev.Tab.ID == m.Tab.ID {
			return
		}
		typ = schemas.EventTabFocus
	default:
		return
	}
	r.add(schemas.RecordedEvent{TabID: m.Tab.ID, Type: typ, Tab: desc, Value: m.Tab.URL, At: r.now()})
}

func (r *Recorder) add(m schemas.RecordedEvent) {
	if !m.Type.Valid() {
		r.logger.Warn("Dropping recorded event of unknown type.", zap.String("type", string(m.Type)))
		return
	}
	at := m.At
	if at.IsZero() {
		at = r.now()
	}
	main := &r.script.Subscripts[0]
	if r.newAction || m.Type == schemas.EventNavigate || len(main.Actions) == 0 {
		r.nextActionSeq++
		title := m.Tab.Title
		if title == "" {
			title = m.Tab.URL
		}
		if m.Type == schemas.EventNavigate {
			title = m.Value
		}
		main.Actions = append(main.Actions, schemas.Action{Seq: r.nextActionSeq, Title: title})
		r.newAction = false
	}
	act := &main.Actions[len(main.Actions)-1]

	r.nextEventSeq++
	ev := schemas.Event{
		Seq:    r.nextEventSeq,
		Type:   m.Type,
		Target: m.Target,
		Tab:    m.Tab,
		Value:  m.Value,
	}
	if r.last != nil {
		if gap := at.Sub(r.last.at); gap > 0 {
			ev.Hints.ThinkTime = gap
		}
	}
	act.Events = append(act.Events, ev)
	r.last = &eventPos{
		action:    len(main.Actions) - 1,
		event:     len(act.Events) - 1,
		at:        at,
		ownCommit: m.Type == schemas.EventNavigate,
	}
	r.recorded++
	r.logger.Debug("Recorded event.",
		zap.Int("seq", ev.Seq),
		zap.String("type", string(ev.Type)),
		zap.Int("action", act.Seq))
}

func (r *Recorder) lastEvent() *schemas.Event {
	if r.last == nil {
		return nil
	}
	return &r.script.Subscripts[0].Actions[r.last.action].Events[r.last.event]
}
