package schemas

import (
	"fmt"
	"time"
)

// -- Script Schemas --

// EventType identifies what a recorded event does when replayed.
type EventType string

const (
	EventNavigate  EventType = "navigate"
	EventWinOpen   EventType = "winopen"
	EventWinClose  EventType = "winclose"
	EventTabOpen   EventType = "tabopen"
	EventTabClose  EventType = "tabclose"
	EventTabFocus  EventType = "tabfocus"
	EventClick     EventType = "click"
	EventMouseDown EventType = "mousedown"
	EventMouseUp   EventType = "mouseup"
	EventMouseMove EventType = "mousemove"
	EventDrag      EventType = "drag"
	EventFocus     EventType = "focus"
	EventChange    EventType = "change"
	EventSubmit    EventType = "submit"
	EventHover     EventType = "hover"
	EventKeyboard  EventType = "keyboard"
)

// IsBrowserLevel reports whether the event acts on tabs/windows rather than on a DOM node.
func (t EventType) IsBrowserLevel() bool {
	switch t {
	case EventNavigate, EventWinOpen, EventWinClose, EventTabOpen, EventTabClose, EventTabFocus:
		return true
	}
	return false
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventNavigate, EventWinOpen, EventWinClose, EventTabOpen, EventTabClose, EventTabFocus,
		EventClick, EventMouseDown, EventMouseUp, EventMouseMove, EventDrag, EventFocus,
		EventChange, EventSubmit, EventHover, EventKeyboard:
		return true
	}
	return false
}

// Breadcrumb is one step of an ancestor chain, from the target towards the root.
type Breadcrumb struct {
	Tag   string            `json:"tag" yaml:"tag"`
	Index int               `json:"index" yaml:"index"`
	Attrs map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Target describes the recorded document and element an event acted on.
type Target struct {
	DocFingerprint string       `json:"docFingerprint,omitempty" yaml:"docFingerprint,omitempty"`
	DocBreadcrumbs []Breadcrumb `json:"docBreadcrumbs,omitempty" yaml:"docBreadcrumbs,omitempty"`
	DocURL         string       `json:"docUrl,omitempty" yaml:"docUrl,omitempty"`
	Fingerprint    string       `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Breadcrumbs    []Breadcrumb `json:"breadcrumbs,omitempty" yaml:"breadcrumbs,omitempty"`
	ElementPath    string       `json:"elementPath,omitempty" yaml:"elementPath,omitempty"`
}

// TabDescriptor identifies the tab a browser-level event was recorded in.
type TabDescriptor struct {
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
}

// ReplayHints are observations captured while recording that shape how long replay waits.
type ReplayHints struct {
	ThinkTime       time.Duration `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`
	LocationChanges int           `json:"locationChanges,omitempty" yaml:"locationChanges,omitempty"`
	Mutations       int           `json:"mutations,omitempty" yaml:"mutations,omitempty"`
	Network         bool          `json:"network,omitempty" yaml:"network,omitempty"`
}

// Preferences override engine configuration for a script or a single event.
// Zero values mean "inherit".
type Preferences struct {
	Timeouts        map[string]time.Duration `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	MinMatchScore   float64                  `json:"minMatchScore,omitempty" yaml:"minMatchScore,omitempty"`
	SuppressPrompts []string                 `json:"suppressPrompts,omitempty" yaml:"suppressPrompts,omitempty"`
}

// SuppressesPrompt reports whether prompting is disabled for the named timeout category.
func (p Preferences) SuppressesPrompt(category string) bool {
	for _, c := range p.SuppressPrompts {
		if c == category || c == "*" {
			return true
		}
	}
	return false
}

// -- Branching --

// BranchCondition is the predicate of a BranchingRule.
type BranchCondition string

const (
	ConditionAlways          BranchCondition = "always"
	ConditionNever           BranchCondition = "never"
	ConditionStatusEquals    BranchCondition = "statusEquals"
	ConditionStatusNotEquals BranchCondition = "statusNotEquals"
)

// BranchTargetKind selects where a matched rule sends the replay cursor.
type BranchTargetKind string

const (
	BranchToEvent     BranchTargetKind = "event"
	BranchToAction    BranchTargetKind = "action"
	BranchToEndReplay BranchTargetKind = "endReplay"
)

// BranchingRule redirects the replay cursor based on the status of the last event.
type BranchingRule struct {
	Condition BranchCondition  `json:"condition" yaml:"condition"`
	Code      StatusCode       `json:"code,omitempty" yaml:"code,omitempty"`
	Target    BranchTargetKind `json:"target" yaml:"target"`
	Subscript int              `json:"subscript,omitempty" yaml:"subscript,omitempty"`
	Action    int              `json:"action,omitempty" yaml:"action,omitempty"`
	Event     int              `json:"event,omitempty" yaml:"event,omitempty"`
}

// Matches evaluates the rule's condition against a status code.
func (r BranchingRule) Matches(code StatusCode) bool {
	switch r.Condition {
	case ConditionAlways:
		return true
	case ConditionStatusEquals:
		return code == r.Code
	case ConditionStatusNotEquals:
		return code != r.Code
	default:
		return false
	}
}

// -- Validation --

// ValidationKind distinguishes script assertions from keyword searches.
type ValidationKind string

const (
	ValidationScript  ValidationKind = "script"
	ValidationKeyword ValidationKind = "keyword"
)

// ValidationErrorType says which outcome of the check triggers the validation's action.
type ValidationErrorType string

const (
	// TriggerIfAbsent triggers when a keyword is missing or an assertion is false.
	TriggerIfAbsent ValidationErrorType = "ifAbsent"
	// TriggerIfPresent triggers when a keyword is found or an assertion is true.
	TriggerIfPresent ValidationErrorType = "ifPresent"
)

// ValidationActionType is what happens once a validation triggers.
type ValidationActionType string

const (
	ActionFail            ValidationActionType = "fail"
	ActionContinueWaiting ValidationActionType = "continueWaiting"
	ActionCustomError     ValidationActionType = "customError"
	ActionRunSubscript    ValidationActionType = "runSubscript"
)

// Validation is a post-event check.
type Validation struct {
	Kind       ValidationKind       `json:"kind" yaml:"kind"`
	Keyword    string               `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	Expression string               `json:"expression,omitempty" yaml:"expression,omitempty"`
	DocumentID string               `json:"documentId,omitempty" yaml:"documentId,omitempty"`
	ErrorType  ValidationErrorType  `json:"errorType" yaml:"errorType"`
	ActionType ValidationActionType `json:"actionType" yaml:"actionType"`
	Message    string               `json:"message,omitempty" yaml:"message,omitempty"`
	Subscript  int                  `json:"subscript,omitempty" yaml:"subscript,omitempty"`
}

// -- Script Tree --

// Event is a single recorded interaction.
type Event struct {
	Seq            int             `json:"seq" yaml:"seq"`
	Type           EventType       `json:"type" yaml:"type"`
	Target         Target          `json:"target,omitempty" yaml:"target,omitempty"`
	Tab            TabDescriptor   `json:"tab,omitempty" yaml:"tab,omitempty"`
	Value          string          `json:"value,omitempty" yaml:"value,omitempty"`
	Hints          ReplayHints     `json:"hints,omitempty" yaml:"hints,omitempty"`
	BranchingRules []BranchingRule `json:"branchingRules,omitempty" yaml:"branchingRules,omitempty"`
	Validations    []Validation    `json:"validations,omitempty" yaml:"validations,omitempty"`
	SkipStep       bool            `json:"skipStep,omitempty" yaml:"skipStep,omitempty"`
	Preferences    Preferences     `json:"preferences,omitempty" yaml:"preferences,omitempty"`
}

// Action groups the events produced by one user gesture or page visit.
type Action struct {
	Seq            int             `json:"seq" yaml:"seq"`
	Title          string          `json:"title,omitempty" yaml:"title,omitempty"`
	Events         []Event         `json:"events" yaml:"events"`
	BranchingRules []BranchingRule `json:"branchingRules,omitempty" yaml:"branchingRules,omitempty"`
	Validations    []Validation    `json:"validations,omitempty" yaml:"validations,omitempty"`
}

// Subscript is an ordered run of actions. Subscript 0 is the main sequence.
type Subscript struct {
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Actions []Action `json:"actions" yaml:"actions"`
}

// Script is the persisted recording.
type Script struct {
	Name           string          `json:"name" yaml:"name"`
	Version        int             `json:"version" yaml:"version"`
	Created        time.Time       `json:"created,omitempty" yaml:"created,omitempty"`
	StartURL       string          `json:"startUrl,omitempty" yaml:"startUrl,omitempty"`
	Subscripts     []Subscript     `json:"subscripts" yaml:"subscripts"`
	BranchingRules []BranchingRule `json:"branchingRules,omitempty" yaml:"branchingRules,omitempty"`
	Preferences    Preferences     `json:"preferences,omitempty" yaml:"preferences,omitempty"`
}

// EventRef addresses an event by position.
type EventRef struct {
	Subscript int `json:"subscript"`
	Action    int `json:"action"`
	Event     int `json:"event"`
}

func (r EventRef) String() string {
	return fmt.Sprintf("%d/%d/%d", r.Subscript, r.Action, r.Event)
}

// Lookup returns the event at ref, or nil if ref is out of range.
func (s *Script) Lookup(ref EventRef) *Event {
	act := s.LookupAction(ref.Subscript, ref.Action)
	if act == nil || ref.Event < 0 || ref.Event >= len(act.Events) {
		return nil
	}
	return &act.Events[ref.Event]
}

// LookupAction returns the action at the given position, or nil.
func (s *Script) LookupAction(subscript, action int) *Action {
	if subscript < 0 || subscript >= len(s.Subscripts) {
		return nil
	}
	sub := &s.Subscripts[subscript]
	if action < 0 || action >= len(sub.Actions) {
		return nil
	}
	return &sub.Actions[action]
}

// EventCount is the number of events in a subscript.
func (s *Script) EventCount(subscript int) int {
	if subscript < 0 || subscript >= len(s.Subscripts) {
		return 0
	}
	n := 0
	for _, a := range s.Subscripts[subscript].Actions {
		n += len(a.Events)
	}
	return n
}
