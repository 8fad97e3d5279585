// Package branching evaluates conditional redirects of the replay cursor.
package branching

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// Level is where a matching rule was attached.
type Level int

const (
	LevelEvent Level = iota
	LevelAction
	LevelScript
)

func (l Level) String() string {
	switch l {
	case LevelEvent:
		return "event"
	case LevelAction:
		return "action"
	default:
		return "script"
	}
}

// Decision is the cached result of evaluating the rules for one event visit.
type Decision struct {
	Matched bool
	Rule    schemas.BranchingRule
	Level   Level
	// End is set for EndReplay rules; Next is meaningless then.
	End  bool
	Next schemas.EventRef
}

func (d Decision) String() string {
	switch {
	case !d.Matched:
		return "no branch"
	case d.End:
		return fmt.Sprintf("%s rule: end replay", d.Level)
	default:
		return fmt.Sprintf("%s rule: go to %s", d.Level, d.Next)
	}
}

// Controller searches event, then parent action, then script-root rules. The
// first rule whose condition holds wins. Evaluation happens at most once per
// event visit.
type Controller struct {
	script *schemas.Script
	logger *zap.Logger

	visit     uint64
	evaluated bool
	decision  Decision
	taken     bool
}

// New returns a Controller for script.
func New(script *schemas.Script, logger *zap.Logger) *Controller {
	return &Controller{script: script, logger: logger.Named("branching")}
}

// BeginVisit starts a new event visit and drops the cached decision.
func (c *Controller) BeginVisit() uint64 {
	c.visit++
	c.evaluated = false
	c.decision = Decision{}
	c.taken = false
	return c.visit
}

// Visit is the current visit number.
func (c *Controller) Visit() uint64 { return c.visit }

// Evaluated reports whether the current visit already has a decision.
func (c *Controller) Evaluated() bool { return c.evaluated }

// Evaluate returns the decision for the event at ref given the status code of
// its outcome. Later calls within the same visit return the first decision
// regardless of code.
func (c *Controller) Evaluate(ref schemas.EventRef, code schemas.StatusCode) Decision {
	if c.evaluated {
		return c.decision
	}
	c.evaluated = true
	c.decision = c.search(ref, code)
	if c.decision.Matched {
		c.logger.Info("Branching rule matched.",
			zap.Stringer("event", ref),
			zap.Stringer("status", code),
			zap.Stringer("decision", c.decision))
	}
	return c.decision
}

// MarkTaken records that the session followed the decision. It returns true
// only for the first call in a visit.
func (c *Controller) MarkTaken() bool {
	if c.taken || !c.decision.Matched {
		return false
	}
	c.taken = true
	return true
}

type tier struct {
	level Level
	rules []schemas.BranchingRule
}

func (c *Controller) search(ref schemas.EventRef, code schemas.StatusCode) Decision {
	var tiers []tier
	if ev := c.script.Lookup(ref); ev != nil {
		tiers = append(tiers, tier{LevelEvent, ev.BranchingRules})
	}
	if act := c.script.LookupAction(ref.Subscript, ref.Action); act != nil {
		tiers = append(tiers, tier{LevelAction, act.BranchingRules})
	}
	tiers = append(tiers, tier{LevelScript, c.script.BranchingRules})

	for _, t := range tiers {
		for i, rule := range t.rules {
			if !rule.Matches(code) {
				continue
			}
			d, err := c.resolve(rule, t.level)
			if err != nil {
				c.logger.Warn("Ignoring branching rule with an invalid target.",
					zap.Stringer("level", t.level), zap.Int("rule", i), zap.Error(err))
				continue
			}
			return d
		}
	}
	return Decision{}
}

func (c *Controller) resolve(rule schemas.BranchingRule, level Level) (Decision, error) {
	d := Decision{Matched: true, Rule: rule, Level: level}
	switch rule.Target {
	case schemas.BranchToEndReplay:
		d.End = true
	case schemas.BranchToEvent:
		d.Next = schemas.EventRef{Subscript: rule.Subscript, Action: rule.Action, Event: rule.Event}
		if c.script.Lookup(d.Next) == nil {
			return Decision{}, fmt.Errorf("event %s does not exist", d.Next)
		}
	case schemas.BranchToAction:
		d.Next = schemas.EventRef{Subscript: rule.Subscript, Action: rule.Action}
		if c.script.Lookup(d.Next) == nil {
			return Decision{}, fmt.Errorf("action %d/%d has no events", rule.Subscript, rule.Action)
		}
	default:
		return Decision{}, fmt.Errorf("unknown target kind %q", rule.Target)
	}
	return d, nil
}
