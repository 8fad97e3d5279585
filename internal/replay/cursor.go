package replay

import "github.com/xkilldash9x/scalpel-replay/api/schemas"

// Cursor is the replay position. It only moves forward through a subscript
// except through Redirect and Enter.
type Cursor struct {
	pos     schemas.EventRef
	started bool
	next    *schemas.EventRef
	// returns holds where each active triggered subscript resumes the
	// sequence that triggered it.
	returns []schemas.EventRef

	ReplayedEvents  int
	ReplayedActions int
	lastAction      *[2]int
}

// Position is the last committed event.
func (c *Cursor) Position() (schemas.EventRef, bool) { return c.pos, c.started }

// InSubscript reports whether a triggered subscript is running.
func (c *Cursor) InSubscript() bool { return len(c.returns) > 0 }

// Next returns the event to replay next without moving the cursor. When a
// triggered subscript runs out its return point is restored and the search
// continues after it. Events flagged SkipStep are passed over.
func (c *Cursor) Next(s *schemas.Script) (schemas.EventRef, bool) {
	ref, _, ok := c.find(s)
	return ref, ok
}

func (c *Cursor) find(s *schemas.Script) (schemas.EventRef, int, bool) {
	if c.next != nil {
		return *c.next, 0, true
	}
	from, started := c.pos, c.started
	popped := 0
	for {
		if ref, ok := sequentialAfter(s, from, started); ok {
			return ref, popped, true
		}
		if popped == len(c.returns) {
			return schemas.EventRef{}, 0, false
		}
		popped++
		from, started = c.returns[len(c.returns)-popped], true
	}
}

// Commit moves the cursor onto the event Next returned and counts it as
// replayed.
func (c *Cursor) Commit(s *schemas.Script) (schemas.EventRef, bool) {
	ref, popped, ok := c.find(s)
	if !ok {
		return schemas.EventRef{}, false
	}
	c.returns = c.returns[:len(c.returns)-popped]
	c.next = nil
	c.pos, c.started = ref, true
	c.ReplayedEvents++
	key := [2]int{ref.Subscript, ref.Action}
	if c.lastAction == nil || *c.lastAction != key {
		c.ReplayedActions++
		c.lastAction = &key
	}
	return ref, true
}

// Redirect makes ref the next event, as a branching rule does. Jumping into
// the main sequence abandons any triggered subscript.
func (c *Cursor) Redirect(ref schemas.EventRef) {
	if ref.Subscript == 0 {
		c.returns = nil
	}
	c.next = &ref
}

// Enter starts triggered subscript sub. The sequence resumes after the
// current position once the subscript runs out. It returns false if the
// subscript has nothing to replay.
func (c *Cursor) Enter(s *schemas.Script, sub int) bool {
	first, ok := sequentialAfter(s, schemas.EventRef{Subscript: sub}, false)
	if !ok || sub == 0 {
		return false
	}
	c.returns = append(c.returns, c.pos)
	c.next = &first
	return true
}

// IsLastInAction reports whether ref is the final event of its action.
func IsLastInAction(s *schemas.Script, ref schemas.EventRef) bool {
	act := s.LookupAction(ref.Subscript, ref.Action)
	return act != nil && ref.Event == len(act.Events)-1
}

// sequentialAfter finds the first non-skipped event after from within its
// subscript, or the first event of the subscript when started is false.
func sequentialAfter(s *schemas.Script, from schemas.EventRef, started bool) (schemas.EventRef, bool) {
	if from.Subscript < 0 || from.Subscript >= len(s.Subscripts) {
		return schemas.EventRef{}, false
	}
	actions := s.Subscripts[from.Subscript].Actions
	a, e := 0, 0
	if started {
		a, e = from.Action, from.Event+1
	}
	for ; a < len(actions); a, e = a+1, 0 {
		for ; e < len(actions[a].Events); e++ {
			if !actions[a].Events[e].SkipStep {
				return schemas.EventRef{Subscript: from.Subscript, Action: a, Event: e}, true
			}
		}
	}
	return schemas.EventRef{}, false
}
