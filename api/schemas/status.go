package schemas

import (
	"errors"
	"fmt"
)

// StatusCode is the numeric outcome of a replayed event or a whole run.
// The values are persisted in scripts (branching rules) and must stay stable.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusScriptParseError
	StatusTargetNotFound
	StatusMatchScoreFailure
	StatusHTTPError
	StatusTimeoutEvent
	StatusTimeoutNetwork
	StatusTimeoutLocation
	StatusTimeoutMutationBegin
	StatusTimeoutMutationEnd
	StatusTimeoutNavigate
	StatusValidationFailure
	StatusInternalError
	StatusCustomError
	StatusSkippedEventsExceeded
	StatusUnexpectedDialog
)

var statusNames = map[StatusCode]string{
	StatusSuccess:               "Success",
	StatusScriptParseError:      "ScriptParseError",
	StatusTargetNotFound:        "TargetNotFound",
	StatusMatchScoreFailure:     "MatchScoreFailure",
	StatusHTTPError:             "HttpError",
	StatusTimeoutEvent:          "BrowserTimeoutEvent",
	StatusTimeoutNetwork:        "BrowserTimeoutNetwork",
	StatusTimeoutLocation:       "BrowserTimeoutLocation",
	StatusTimeoutMutationBegin:  "BrowserTimeoutMutationBegin",
	StatusTimeoutMutationEnd:    "BrowserTimeoutMutationEnd",
	StatusTimeoutNavigate:       "BrowserTimeoutNavigate",
	StatusValidationFailure:     "ValidationFailure",
	StatusInternalError:         "InternalError",
	StatusCustomError:           "CustomError",
	StatusSkippedEventsExceeded: "SkippedEventsExceeded",
	StatusUnexpectedDialog:      "UnexpectedDialog",
}

func (c StatusCode) String() string {
	if n, ok := statusNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(c))
}

// IsTimeout reports whether c is one of the BrowserTimeout codes.
func (c StatusCode) IsTimeout() bool {
	return c >= StatusTimeoutEvent && c <= StatusTimeoutNavigate
}

// ReplayError is a replay outcome carrying a status code. It is what every
// failure path of a run resolves to.
type ReplayError struct {
	Code    StatusCode
	Message string
	Event   *EventRef
	Cause   error
}

func (e *ReplayError) Error() string {
	msg := e.Code.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Event != nil {
		msg += " (event " + e.Event.String() + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ReplayError) Unwrap() error { return e.Cause }

// NewReplayError builds a ReplayError with a formatted message.
func NewReplayError(code StatusCode, format string, args ...any) *ReplayError {
	return &ReplayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the status code from err. Nil maps to StatusSuccess and any
// error that is not a ReplayError maps to StatusInternalError.
func CodeOf(err error) StatusCode {
	if err == nil {
		return StatusSuccess
	}
	var re *ReplayError
	if errors.As(err, &re) {
		return re.Code
	}
	return StatusInternalError
}
