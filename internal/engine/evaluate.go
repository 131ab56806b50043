package engine

import "notifyd/internal/rules"

// Match is the outcome of rule evaluation.
type Match struct {
	Action rules.Action
	Reason string
	// Rule is the winning rule's name, empty for the default policy.
	Rule    string
	Matched bool
	// DelaySeconds is the winning rule's explicit delay, 0 when unset.
	DelaySeconds int
}

// Evaluate returns the first rule whose conditions all hold for dc, or the default policy.
func Evaluate(rs []rules.Rule, g rules.Global, dc DerivedContext) Match {
	for i := range rs {
		r := &rs[i]
		if !matches(&r.When, dc) {
			continue
		}
		return Match{
			Action:       r.Action,
			Reason:       r.Reason,
			Rule:         r.Name,
			Matched:      true,
			DelaySeconds: r.DelaySeconds,
		}
	}

	action := g.DefaultAction
	if !action.Valid() {
		action = rules.DefaultAction
	}
	return Match{Action: action, Reason: rules.DefaultPolicyReason}
}

func matches(w *rules.When, dc DerivedContext) bool {
	return boolMatches(w.ExpiresAtPassed, dc.ExpiresAtPassed) &&
		setMatches(w.EventTypeIn, dc.EventType) &&
		setMatches(w.PriorityHintIn, dc.PriorityHint) &&
		boolMatches(w.UserIsNoisy, dc.UserIsNoisy) &&
		boolMatches(w.PromotionCapExceeded, dc.PromotionCapExceeded) &&
		boolMatches(w.AllowDuplicateBypass, dc.AllowDuplicateBypass) &&
		boolMatches(w.IsExactDuplicate, dc.IsExactDuplicate) &&
		boolMatches(w.IsNearDuplicate, dc.IsNearDuplicate)
}

// An absent condition always holds.
func boolMatches(want *bool, got bool) bool { return want == nil || *want == got }

func setMatches(set rules.Set, got string) bool { return set == nil || set.Has(got) }
