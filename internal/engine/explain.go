package engine

import (
	"strconv"
	"strings"

	"notifyd/internal/rules"
)

// Explain renders "<ACTION> because <reason>. Context: <meta>". Keys are written in a fixed
// order so equal inputs always produce equal text.
func Explain(action rules.Action, reason string, m Meta) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(string(action)))
	b.WriteString(" because ")
	b.WriteString(reason)
	b.WriteString(". Context: ")
	writeMeta(&b, m)
	return b.String()
}

func writeMeta(b *strings.Builder, m Meta) {
	b.WriteString("{dedupe: {")
	kvs(b,
		"fingerprint", strconv.Quote(m.Dedupe.Fingerprint),
		"is_exact_duplicate", strconv.FormatBool(m.Dedupe.IsExactDuplicate),
		"is_near_duplicate", strconv.FormatBool(m.Dedupe.IsNearDuplicate),
		"near_score", strconv.Itoa(m.Dedupe.NearScore),
		"allow_duplicate_bypass", strconv.FormatBool(m.Dedupe.AllowDuplicateBypass),
	)
	b.WriteString("}, fatigue: {")
	kvs(b,
		"count_10_min", strconv.Itoa(m.Fatigue.Count10Min),
		"cap_10_min", strconv.Itoa(m.Fatigue.Cap10Min),
		"user_is_noisy", strconv.FormatBool(m.Fatigue.UserIsNoisy),
		"promo_count_10_min", strconv.Itoa(m.Fatigue.PromoCount10Min),
		"promo_cap_10_min", strconv.Itoa(m.Fatigue.PromoCap10Min),
		"promotion_cap_exceeded", strconv.FormatBool(m.Fatigue.PromotionCapExceeded),
	)
	b.WriteString("}, ai: {")
	ai := []string{
		"used", strconv.FormatBool(m.Advisory.Used),
		"reason", strconv.Quote(m.Advisory.Reason),
	}
	if m.Advisory.Error != "" {
		ai = append(ai, "error", strconv.Quote(m.Advisory.Error))
	}
	kvs(b, ai...)
	b.WriteString("}}")
}

func kvs(b *strings.Builder, pairs ...string) {
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pairs[i])
		b.WriteString(": ")
		b.WriteString(pairs[i+1])
	}
}
