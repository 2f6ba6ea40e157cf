package stage

import "testing"

func TestControllerManualNavigationIsBounded(t *testing.T) {
	c := NewController(nil)
	if _, ok := c.Prev(); ok {
		t.Fatalf("Prev() at stage 1 should report false")
	}
	if c.Current() != 1 {
		t.Fatalf("Current() = %d, want 1", c.Current())
	}

	for i := 0; i < Total+2; i++ {
		c.Next()
	}
	if c.Current() != Total {
		t.Fatalf("Current() = %d, want %d", c.Current(), Total)
	}
	if _, ok := c.Next(); ok {
		t.Fatalf("Next() at last stage should report false")
	}

	tr, ok := c.Prev()
	if !ok || tr.From != Total || tr.To != Total-1 || !tr.Manual || tr.Increased() {
		t.Fatalf("Prev() = %+v, %v", tr, ok)
	}
}

func TestControllerDefaultRulesAdvanceOnlyOnce(t *testing.T) {
	c := NewController(DefaultRules())

	tr, ok := c.AdvanceIfEligible(1)
	if !ok || tr.From != 1 || tr.To != 2 || tr.Manual {
		t.Fatalf("first turn transition = %+v, %v", tr, ok)
	}
	for turn := 2; turn <= 5; turn++ {
		if _, ok := c.AdvanceIfEligible(turn); ok {
			t.Fatalf("turn %d should not advance", turn)
		}
	}
	if c.Current() != 2 {
		t.Fatalf("Current() = %d, want 2", c.Current())
	}
}

func TestControllerManualBackDoesNotRearmFirstTurn(t *testing.T) {
	c := NewController(DefaultRules())
	c.AdvanceIfEligible(1)
	c.Prev()
	if _, ok := c.AdvanceIfEligible(2); ok {
		t.Fatalf("auto-advance fired twice")
	}
	if c.Current() != 1 {
		t.Fatalf("Current() = %d, want 1", c.Current())
	}
}

func TestControllerFirstTurnRequiresFirstReply(t *testing.T) {
	c := NewController(DefaultRules())
	c.Next()
	c.Prev()
	if _, ok := c.AdvanceIfEligible(3); ok {
		t.Fatalf("stage 1 should only advance on the first completed turn")
	}
}

func TestControllerEveryTurnStopsAtLastStage(t *testing.T) {
	rules, err := ParseRules("1:every,2:every,3:every,4:every")
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	c := NewController(rules)
	for turn := 1; turn <= 10; turn++ {
		c.AdvanceIfEligible(turn)
	}
	if c.Current() != Total {
		t.Fatalf("Current() = %d, want %d", c.Current(), Total)
	}
}

func TestControllerOnceRuleAdvancesOnEntryTurn(t *testing.T) {
	rules, err := ParseRules("2:once")
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	c := NewController(rules)
	c.Next()
	tr, ok := c.AdvanceIfEligible(7)
	if !ok || tr.To != 3 {
		t.Fatalf("once rule transition = %+v, %v", tr, ok)
	}
	c.Prev()
	if _, ok := c.AdvanceIfEligible(8); ok {
		t.Fatalf("once rule fired twice")
	}
}

func TestParseRulesRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"1", "0:first", "5:first", "1:sometimes"} {
		if _, err := ParseRules(raw); err == nil {
			t.Fatalf("ParseRules(%q) expected error", raw)
		}
	}
	rules, err := ParseRules("")
	if err != nil || rules[1] != RuleFirstTurn {
		t.Fatalf("ParseRules(\"\") = %v, %v", rules, err)
	}
}

func TestLookupClamps(t *testing.T) {
	if Lookup(0).Title != "Welcome & Greeting" {
		t.Fatalf("Lookup(0) = %q", Lookup(0).Title)
	}
	if p := Lookup(99); p.Stage != Total || !p.Promo {
		t.Fatalf("Lookup(99) = %+v", p)
	}
	if len(All()) != Total {
		t.Fatalf("All() length = %d", len(All()))
	}
}
