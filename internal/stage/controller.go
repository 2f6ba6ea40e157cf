package stage

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Rule decides whether a completed agent turn moves a stage forward.
type Rule string

const (
	RuleNever Rule = "never"
	// RuleFirstTurn advances only when the first agent turn of the session completes.
	RuleFirstTurn Rule = "first"
	// RuleOnce advances on the first completed turn observed while in the stage.
	RuleOnce      Rule = "once"
	RuleEveryTurn Rule = "every"
)

// Rules maps a stage number to its auto-advance rule. Missing stages never auto-advance.
type Rules map[int]Rule

// DefaultRules advances from stage 1 to 2 after the first agent reply and nowhere else.
func DefaultRules() Rules {
	return Rules{1: RuleFirstTurn}
}

// ParseRules reads a list like "1:first,2:never,3:once".
func ParseRules(raw string) (Rules, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultRules(), nil
	}
	rules := Rules{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid stage rule %q (expected stage:rule)", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || n < 1 || n > Total {
			return nil, fmt.Errorf("invalid stage number in rule %q", part)
		}
		rule := Rule(strings.ToLower(strings.TrimSpace(value)))
		switch rule {
		case RuleNever, RuleFirstTurn, RuleOnce, RuleEveryTurn:
		default:
			return nil, fmt.Errorf("invalid stage rule %q (expected never|first|once|every)", value)
		}
		rules[n] = rule
	}
	return rules, nil
}

// Transition describes one stage change.
type Transition struct {
	From   int
	To     int
	Manual bool
}

// Increased reports whether the transition moved forward.
func (t Transition) Increased() bool { return t.To > t.From }

// Controller owns the current stage. It is the only writer of that value.
type Controller struct {
	mu      sync.Mutex
	current int
	rules   Rules
	// fired tracks stages whose RuleOnce/RuleFirstTurn already advanced.
	fired map[int]bool
	// turnsInStage counts completed turns observed while at the current stage.
	turnsInStage int
}

func NewController(rules Rules) *Controller {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Controller{
		current: 1,
		rules:   rules,
		fired:   make(map[int]bool),
	}
}

func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AdvanceIfEligible is called after an agent turn completes. completedTurns is the
// session-wide count including the turn that just finished.
func (c *Controller) AdvanceIfEligible(completedTurns int) (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turnsInStage++
	from := c.current
	if from >= Total {
		return Transition{}, false
	}

	eligible := false
	switch c.rules[from] {
	case RuleFirstTurn:
		eligible = completedTurns == 1 && !c.fired[from]
	case RuleOnce:
		eligible = c.turnsInStage == 1 && !c.fired[from]
	case RuleEveryTurn:
		eligible = true
	}
	if !eligible {
		return Transition{}, false
	}
	c.fired[from] = true
	return c.moveLocked(from+1, false), true
}

// Next moves one stage forward. At the last stage it reports false.
func (c *Controller) Next() (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current >= Total {
		return Transition{}, false
	}
	return c.moveLocked(c.current+1, true), true
}

// Prev moves one stage back. At stage 1 it reports false.
func (c *Controller) Prev() (Transition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current <= 1 {
		return Transition{}, false
	}
	return c.moveLocked(c.current-1, true), true
}

func (c *Controller) moveLocked(to int, manual bool) Transition {
	t := Transition{From: c.current, To: Clamp(to), Manual: manual}
	c.current = t.To
	c.turnsInStage = 0
	return t
}
