package script

import (
	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Check verifies the internal consistency of a decoded script: known event
// types, unique sequence numbers per subscript, and branch and subscript
// references that point at something.
func Check(s *schemas.Script) error {
	if len(s.Subscripts) == 0 {
		return parseErr(nil, "script has no subscripts")
	}
	if s.Version > CurrentVersion {
		return parseErr(nil, "script version %d is newer than supported version %d", s.Version, CurrentVersion)
	}
	if err := checkRules(s, nil, s.BranchingRules); err != nil {
		return err
	}
	for si, sub := range s.Subscripts {
		seen := make(map[int]bool)
		for ai, act := range sub.Actions {
			if err := checkRules(s, &schemas.EventRef{Subscript: si, Action: ai}, act.BranchingRules); err != nil {
				return err
			}
			if err := checkValidations(s, &schemas.EventRef{Subscript: si, Action: ai}, act.Validations); err != nil {
				return err
			}
			for ei, ev := range act.Events {
				ref := &schemas.EventRef{Subscript: si, Action: ai, Event: ei}
				if !ev.Type.Valid() {
					return parseErr(ref, "unknown event type %q", ev.Type)
				}
				if seen[ev.Seq] {
					return parseErr(ref, "duplicate event sequence %d in subscript %d", ev.Seq, si)
				}
				seen[ev.Seq] = true
				if ev.Type == schemas.EventNavigate && ev.Value == "" {
					return parseErr(ref, "navigate event has no URL")
				}
				if !ev.Type.IsBrowserLevel() && ev.Target.Fingerprint == "" && ev.Target.ElementPath == "" {
					return parseErr(ref, "%s event has no target", ev.Type)
				}
				if err := checkRules(s, ref, ev.BranchingRules); err != nil {
					return err
				}
				if err := checkValidations(s, ref, ev.Validations); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkRules(s *schemas.Script, at *schemas.EventRef, rules []schemas.BranchingRule) error {
	for i, r := range rules {
		switch r.Condition {
		case schemas.ConditionAlways, schemas.ConditionNever, schemas.ConditionStatusEquals, schemas.ConditionStatusNotEquals:
		default:
			return parseErr(at, "branching rule %d has unknown condition %q", i, r.Condition)
		}
		switch r.Target {
		case schemas.BranchToEndReplay:
		case schemas.BranchToEvent:
			if s.Lookup(schemas.EventRef{Subscript: r.Subscript, Action: r.Action, Event: r.Event}) == nil {
				return parseErr(at, "branching rule %d targets missing event %d/%d/%d", i, r.Subscript, r.Action, r.Event)
			}
		case schemas.BranchToAction:
			if act := s.LookupAction(r.Subscript, r.Action); act == nil || len(act.Events) == 0 {
				return parseErr(at, "branching rule %d targets missing or empty action %d/%d", i, r.Subscript, r.Action)
			}
		default:
			return parseErr(at, "branching rule %d has unknown target %q", i, r.Target)
		}
	}
	return nil
}

func checkValidations(s *schemas.Script, at *schemas.EventRef, vs []schemas.Validation) error {
	for i, v := range vs {
		switch v.Kind {
		case schemas.ValidationKeyword:
			if v.Keyword == "" {
				return parseErr(at, "keyword validation %d has no keyword", i)
			}
		case schemas.ValidationScript:
			if v.Expression == "" {
				return parseErr(at, "script validation %d has no expression", i)
			}
		default:
			return parseErr(at, "validation %d has unknown kind %q", i, v.Kind)
		}
		switch v.ErrorType {
		case schemas.TriggerIfAbsent, schemas.TriggerIfPresent:
		default:
			return parseErr(at, "validation %d has unknown error type %q", i, v.ErrorType)
		}
		switch v.ActionType {
		case schemas.ActionFail, schemas.ActionContinueWaiting, schemas.ActionCustomError:
		case schemas.ActionRunSubscript:
			if v.Subscript <= 0 || v.Subscript >= len(s.Subscripts) || s.EventCount(v.Subscript) == 0 {
				return parseErr(at, "validation %d runs missing or empty subscript %d", i, v.Subscript)
			}
		default:
			return parseErr(at, "validation %d has unknown action %q", i, v.ActionType)
		}
	}
	return nil
}

func parseErr(at *schemas.EventRef, format string, args ...any) error {
	e := schemas.NewReplayError(schemas.StatusScriptParseError, format, args...)
	e.Event = at
	return e
}
