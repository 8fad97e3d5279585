package replay

import (
	"fmt"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// DispatchState is where the in-flight event is in its lifecycle. Exactly one
// event is in flight at a time.
type DispatchState interface {
	fmt.Stringer
	isDispatchState()
}

type (
	// Idle means no event is in flight.
	Idle struct{}
	// Preloading is the blank-page navigation issued before the first
	// navigate of a run.
	Preloading struct {
		TabID string
	}
	Searching struct {
		SearchID uint32
	}
	Dispatching struct {
		DocumentID string
		TabID      string
	}
	Acked struct {
		DocumentID string
	}
	// Settling waits for the location and mutation hints of the event.
	Settling   struct{}
	Validating struct{}
	Done       struct {
		Status schemas.StatusCode
	}
)

func (Idle) isDispatchState()        {}
func (Preloading) isDispatchState()  {}
func (Searching) isDispatchState()   {}
func (Dispatching) isDispatchState() {}
func (Acked) isDispatchState()       {}
func (Settling) isDispatchState()    {}
func (Validating) isDispatchState()  {}
func (Done) isDispatchState()        {}

func (Idle) String() string         { return "idle" }
func (p Preloading) String() string { return "preloading(" + p.TabID + ")" }
func (s Searching) String() string  { return fmt.Sprintf("searching(%d)", s.SearchID) }
func (Dispatching) String() string  { return "dispatching" }
func (Acked) String() string        { return "acked" }
func (Settling) String() string     { return "settling" }
func (Validating) String() string   { return "validating" }
func (d Done) String() string       { return "done(" + d.Status.String() + ")" }

// canDispatch reports whether the in-flight event may move from one state to
// another. Any state may fall to Done, including an event still in its think
// time; only Done and Preloading return to Idle.
func canDispatch(from, to DispatchState) bool {
	if _, ok := to.(Done); ok {
		_, done := from.(Done)
		return !done
	}
	switch from.(type) {
	case Idle:
		switch to.(type) {
		case Preloading, Searching, Dispatching:
			return true
		}
	case Preloading:
		_, ok := to.(Idle)
		return ok
	case Searching:
		_, ok := to.(Dispatching)
		return ok
	case Dispatching:
		switch to.(type) {
		case Acked, Settling:
			return true
		}
	case Acked:
		_, ok := to.(Settling)
		return ok
	case Settling:
		_, ok := to.(Validating)
		return ok
	case Done:
		_, ok := to.(Idle)
		return ok
	}
	return false
}
