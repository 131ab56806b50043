package engine

import (
	"testing"

	"notifyd/internal/rules"
)

func boolp(b bool) *bool { return &b }

func set(vals ...string) rules.Set {
	s := rules.Set{}
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	t.Parallel()
	rs := []rules.Rule{
		{Name: "first", When: rules.When{UserIsNoisy: boolp(true)}, Action: rules.ActionNever, Reason: "quiet"},
		{Name: "second", When: rules.When{UserIsNoisy: boolp(true)}, Action: rules.ActionNow, Reason: "loud"},
	}
	m := Evaluate(rs, rules.DefaultGlobal(), DerivedContext{UserIsNoisy: true})
	if !m.Matched || m.Rule != "first" || m.Action != rules.ActionNever || m.Reason != "quiet" {
		t.Fatalf("match = %+v, want first rule", m)
	}

	// Swapping the order swaps the winner.
	rs[0], rs[1] = rs[1], rs[0]
	m = Evaluate(rs, rules.DefaultGlobal(), DerivedContext{UserIsNoisy: true})
	if m.Rule != "second" || m.Action != rules.ActionNow {
		t.Fatalf("match = %+v, want second rule", m)
	}
}

func TestEvaluateConditions(t *testing.T) {
	t.Parallel()
	dc := DerivedContext{
		EventType:            "promotion",
		PriorityHint:         "low",
		PromotionCapExceeded: true,
		IsNearDuplicate:      true,
	}
	tests := []struct {
		name string
		when rules.When
		want bool
	}{
		{"empty when", rules.When{}, true},
		{"bool equal", rules.When{PromotionCapExceeded: boolp(true)}, true},
		{"bool false equal", rules.When{IsExactDuplicate: boolp(false)}, true},
		{"bool mismatch", rules.When{IsNearDuplicate: boolp(false)}, false},
		{"event type in", rules.When{EventTypeIn: set("promotion", "digest")}, true},
		{"event type not in", rules.When{EventTypeIn: set("system_event")}, false},
		{"priority in", rules.When{PriorityHintIn: set("low")}, true},
		{"priority not in", rules.When{PriorityHintIn: set("urgent")}, false},
		{
			"all keys must hold",
			rules.When{EventTypeIn: set("promotion"), PromotionCapExceeded: boolp(true), UserIsNoisy: boolp(true)},
			false,
		},
		{
			"expired and bypass",
			rules.When{ExpiresAtPassed: boolp(false), AllowDuplicateBypass: boolp(false)},
			true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := []rules.Rule{{Name: "r", When: tt.when, Action: rules.ActionNow, Reason: "x"}}
			m := Evaluate(rs, rules.DefaultGlobal(), dc)
			if m.Matched != tt.want {
				t.Fatalf("matched = %v, want %v", m.Matched, tt.want)
			}
		})
	}
}

func TestEvaluateDefaultPolicy(t *testing.T) {
	t.Parallel()
	g := rules.DefaultGlobal()
	g.DefaultAction = rules.ActionNow
	m := Evaluate(nil, g, DerivedContext{})
	if m.Matched || m.Rule != "" || m.Action != rules.ActionNow || m.Reason != rules.DefaultPolicyReason {
		t.Fatalf("match = %+v", m)
	}

	// An unset default action resolves to later.
	m = Evaluate(nil, rules.Global{}, DerivedContext{})
	if m.Action != rules.ActionLater {
		t.Fatalf("action = %q, want later", m.Action)
	}
}
