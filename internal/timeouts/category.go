package timeouts

import (
	"time"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
)

// Category names one of the independently scheduled replay timers.
type Category int

const (
	Event Category = iota
	Ready
	ReplayLoop
	Network
	Location
	MutationBegin
	MutationEnd
	Navigation
	Response
	Shutdown
	Validation
	Status

	numCategories
)

var categoryNames = [numCategories]string{
	Event:         "event",
	Ready:         "ready",
	ReplayLoop:    "replay_loop",
	Network:       "network",
	Location:      "location",
	MutationBegin: "mutation_begin",
	MutationEnd:   "mutation_end",
	Navigation:    "navigation",
	Response:      "response",
	Shutdown:      "shutdown",
	Validation:    "validation",
	Status:        "status",
}

func (c Category) String() string {
	if c < 0 || c >= numCategories {
		return "unknown"
	}
	return categoryNames[c]
}

// ParseCategory maps a config/preference key back to its Category.
func ParseCategory(name string) (Category, bool) {
	for i, n := range categoryNames {
		if n == name {
			return Category(i), true
		}
	}
	return 0, false
}

// Categories lists every category in declaration order.
func Categories() []Category {
	out := make([]Category, 0, numCategories)
	for c := Category(0); c < numCategories; c++ {
		out = append(out, c)
	}
	return out
}

// Inner reports whether the category is bounded by the Event timer and gets
// a grace cycle before Event may fire.
func (c Category) Inner() bool {
	switch c {
	case Network, Location, MutationBegin, MutationEnd, Navigation, Response:
		return true
	}
	return false
}

// StatusCode is the replay status a firing of this category reports.
// Housekeeping timers (ready, replay loop, shutdown, status) report Success
// because they never surface as failures.
func (c Category) StatusCode() schemas.StatusCode {
	switch c {
	case Event, Response:
		return schemas.StatusTimeoutEvent
	case Network:
		return schemas.StatusTimeoutNetwork
	case Location:
		return schemas.StatusTimeoutLocation
	case MutationBegin:
		return schemas.StatusTimeoutMutationBegin
	case MutationEnd:
		return schemas.StatusTimeoutMutationEnd
	case Navigation:
		return schemas.StatusTimeoutNavigate
	case Validation:
		return schemas.StatusValidationFailure
	}
	return schemas.StatusSuccess
}

// Durations extracts the per-category base durations from config.
func Durations(t config.TimeoutsConfig) map[Category]time.Duration {
	return map[Category]time.Duration{
		Event:         t.Event,
		Ready:         t.Ready,
		ReplayLoop:    t.ReplayLoop,
		Network:       t.Network,
		Location:      t.Location,
		MutationBegin: t.MutationBegin,
		MutationEnd:   t.MutationEnd,
		Navigation:    t.Navigation,
		Response:      t.Response,
		Shutdown:      t.Shutdown,
		Validation:    t.Validation,
		Status:        t.Status,
	}
}
