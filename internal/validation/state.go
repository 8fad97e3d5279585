package validation

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// State is the lifecycle of the validation currently being evaluated. It is
// one of Pending, Searching, Sleeping, Waiting, Passed or Triggered.
type State interface {
	fmt.Stringer
	isState()
}

type (
	Pending   struct{}
	Searching struct {
		ID        uint32
		Attempt   int
		Broadcast bool
	}
	// Sleeping is the gap between keyword retries.
	Sleeping struct {
		Attempt int
		Until   time.Time
	}
	// Waiting is a continue-waiting validation between polls.
	Waiting struct {
		Deadline time.Time
	}
	Passed    struct{}
	Triggered struct {
		Status schemas.StatusCode
	}
)

func (Pending) isState()   {}
func (Searching) isState() {}
func (Sleeping) isState()  {}
func (Waiting) isState()   {}
func (Passed) isState()    {}
func (Triggered) isState() {}

func (Pending) String() string     { return "pending" }
func (s Searching) String() string { return fmt.Sprintf("searching(attempt=%d)", s.Attempt) }
func (s Sleeping) String() string  { return fmt.Sprintf("sleeping(attempt=%d)", s.Attempt) }
func (Waiting) String() string     { return "waiting" }
func (Passed) String() string      { return "passed" }
func (t Triggered) String() string { return "triggered(" + t.Status.String() + ")" }

// canTransition is the transition table of State.
func canTransition(from, to State) bool {
	switch from.(type) {
	case Pending:
		_, ok := to.(Searching)
		return ok
	case Searching:
		switch to.(type) {
		case Sleeping, Waiting, Passed, Triggered:
			return true
		}
	case Sleeping, Waiting:
		switch to.(type) {
		case Searching, Triggered:
			return true
		}
	case Passed, Triggered:
		return false
	}
	return false
}
