package decision

import (
	"notifyd/internal/engine"
)

// Response is the wire shape of a decision. It is also what the audit log stores.
type Response struct {
	Decision     string             `json:"decision"`
	SendAt       *string            `json:"send_at"`
	ReasonCodes  []string           `json:"reason_codes"`
	Explanation  string             `json:"explanation"`
	RuleHit      *string            `json:"rule_hit"`
	Dedupe       engine.DedupeMeta  `json:"dedupe"`
	Fatigue      engine.FatigueMeta `json:"fatigue"`
	AI           engine.Advice      `json:"ai"`
	RulesVersion int                `json:"rules_version"`
	AuditID      string             `json:"audit_id,omitempty"`
}

func (r Result) Response() Response {
	d := r.Decision
	out := Response{
		Decision:     string(d.Action),
		ReasonCodes:  d.ReasonCodes,
		Explanation:  d.Explanation,
		Dedupe:       d.Meta.Dedupe,
		Fatigue:      d.Meta.Fatigue,
		AI:           d.Meta.Advisory,
		RulesVersion: r.RulesVersion,
		AuditID:      r.AuditID,
	}
	if out.ReasonCodes == nil {
		out.ReasonCodes = []string{}
	}
	if d.SendAt != nil {
		s := engine.FormatTime(*d.SendAt)
		out.SendAt = &s
	}
	if d.MatchedRule != "" {
		name := d.MatchedRule
		out.RuleHit = &name
	}
	return out
}
