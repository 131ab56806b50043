package rules

import (
	"errors"
	"strings"
	"testing"
)

const sampleYAML = `
version: 4
global:
  max_notifications_per_user_per_10_min: 10
  default_action: NOW
rules:
  - name: drop_expired
    when: { expires_at_passed: true }
    action: never
    reason: Notification expired
  - name: urgent
    when:
      priority_hint_in: [urgent, high]
    action: now
  - name: promo_quota
    when:
      event_type_in: [promotion]
      promotion_cap_exceeded: true
    action: later
    delay_seconds: 900
    reason: Promotion quota reached
`

func TestParseValidFile(t *testing.T) {
	t.Parallel()
	snap, err := Parse("rules.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if snap.Version != 4 {
		t.Fatalf("Version = %d, want 4", snap.Version)
	}
	g := snap.Global
	if g.MaxNotificationsPerUserPer10Min != 10 || g.PromotionalQuietModeCapPer10Min != DefaultPromoCapPer10Min {
		t.Fatalf("unexpected caps: %+v", g)
	}
	if g.DefaultAction != ActionNow || g.LaterDelaySeconds != DefaultLaterDelaySeconds {
		t.Fatalf("unexpected global: %+v", g)
	}
	if len(snap.Rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(snap.Rules))
	}

	r0 := snap.Rules[0]
	if r0.Name != "drop_expired" || r0.Action != ActionNever || r0.When.ExpiresAtPassed == nil || !*r0.When.ExpiresAtPassed {
		t.Fatalf("rule 0 = %+v", r0)
	}
	r1 := snap.Rules[1]
	if r1.Reason != DefaultReason {
		t.Fatalf("rule 1 reason = %q, want default", r1.Reason)
	}
	if !r1.When.PriorityHintIn.Has("urgent") || !r1.When.PriorityHintIn.Has("high") {
		t.Fatalf("priority hints = %v, want urgent and high", r1.When.PriorityHintIn)
	}
	r2 := snap.Rules[2]
	if r2.DelaySeconds != 900 || !r2.When.EventTypeIn.Has("promotion") || r2.When.UserIsNoisy != nil {
		t.Fatalf("rule 2 = %+v", r2)
	}
	if snap.Hash == "" {
		t.Fatal("expected content hash")
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	snap, err := Parse("rules.yaml", []byte(""))
	if err != nil {
		t.Fatalf("Parse empty: %v", err)
	}
	want := Global{
		MaxNotificationsPerUserPer10Min: 12,
		PromotionalQuietModeCapPer10Min: 2,
		DefaultAction:                   ActionLater,
		LaterDelaySeconds:               120,
	}
	if snap.Global != want {
		t.Fatalf("Global = %+v, want %+v", snap.Global, want)
	}
	if snap.Version != 1 || len(snap.Rules) != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown when key",
			body: "rules:\n  - action: now\n    when: { is_exact_dupe: true }\n",
			want: "is_exact_dupe",
		},
		{
			name: "unknown rule key",
			body: "rules:\n  - action: now\n    delay: 5\n",
			want: "delay",
		},
		{
			name: "unknown action",
			body: "rules:\n  - action: maybe\n",
			want: "maybe",
		},
		{
			name: "wrong value type",
			body: "rules:\n  - action: now\n    when: { user_is_noisy: sometimes }\n",
			want: "rules[0]",
		},
		{
			name: "non-positive delay",
			body: "rules:\n  - action: later\n    delay_seconds: 0\n",
			want: "delay_seconds",
		},
		{
			name: "empty set",
			body: "rules:\n  - action: now\n    when: { event_type_in: [] }\n",
			want: "event_type_in",
		},
		{
			name: "upper-case priority hint",
			body: "rules:\n  - action: now\n    when: { priority_hint_in: [URGENT] }\n",
			want: "priority_hint_in",
		},
		{
			name: "padded priority hint",
			body: "rules:\n  - action: now\n    when: { priority_hint_in: [\" high\"] }\n",
			want: "priority_hint_in",
		},
		{
			name: "null condition",
			body: "rules:\n  - action: now\n    when: { is_near_duplicate: null }\n",
			want: "is_near_duplicate",
		},
		{
			name: "empty condition value",
			body: "rules:\n  - action: now\n    when:\n      user_is_noisy:\n",
			want: "user_is_noisy",
		},
		{
			name: "bad default action",
			body: "global:\n  default_action: sometime\n",
			want: "default_action",
		},
		{
			name: "unknown top-level key",
			body: "channels: {}\n",
			want: "channels",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse("rules.yaml", []byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidRules) {
				t.Fatalf("err = %v, want ErrInvalidRules", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	snap, err := Parse("rules.json", []byte(`{"version":2,"rules":[{"name":"all","action":"never"}]}`))
	if err != nil {
		t.Fatalf("Parse json: %v", err)
	}
	if snap.Version != 2 || snap.Rules[0].Action != ActionNever {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestParseNullWhenBlockMatchesAll(t *testing.T) {
	t.Parallel()
	snap, err := Parse("rules.json", []byte(`{"rules":[{"action":"now","when":null}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	w := snap.Rules[0].When
	if w.IsNearDuplicate != nil || w.UserIsNoisy != nil || w.EventTypeIn != nil || w.PriorityHintIn != nil {
		t.Fatalf("when = %+v, want no conditions", w)
	}
}

func TestExampleRuleFileLoads(t *testing.T) {
	t.Parallel()
	snap, err := ParseFile("../../configs/rules.example.yaml")
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(snap.Rules) == 0 || snap.Rules[0].Name != "drop_expired" {
		t.Fatalf("rules = %+v", snap.Rules)
	}
	if snap.Global.DefaultAction != ActionLater || snap.Global.LaterDelaySeconds != 120 {
		t.Fatalf("global = %+v", snap.Global)
	}
}
