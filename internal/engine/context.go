package engine

import (
	"strings"
	"time"

	"notifyd/internal/rules"
)

const (
	urgentPriorityHint = "urgent"
	systemEventType    = "system_event"
)

// BuildContext derives everything the rules can match on. now is the processing instant,
// used when the event timestamp is missing or unparseable.
func BuildContext(ev Event, h History, g rules.Global, now time.Time, nearThreshold int) DerivedContext {
	hint := strings.ToLower(strings.TrimSpace(ev.PriorityHint))

	dc := DerivedContext{
		EventType:    ev.EventType,
		PriorityHint: hint,
		Fingerprint:  ExactFingerprint(ev.UserID, ev.EventType, ev.Channel, ev.Message, ev.DedupeKey),
	}
	dc.ExpiresAtPassed = ExpiresAtPassed(ev, now)
	dc.IsExactDuplicate = containsString(h.RecentFingerprints, dc.Fingerprint)
	dc.IsNearDuplicate, dc.NearDuplicateScore = NearDuplicate(ev.Message, h.RecentMessages, nearThreshold)
	dc.UserIsNoisy = UserIsNoisy(h.Count10Min, g.MaxNotificationsPerUserPer10Min)
	dc.PromotionCapExceeded = PromotionCapExceeded(h.PromoCount10Min, g.PromotionalQuietModeCapPer10Min)
	dc.AllowDuplicateBypass = hint == urgentPriorityHint || ev.EventType == systemEventType
	return dc
}

// ExpiresAtPassed reports whether the event expired before its own timestamp (or before now
// when the timestamp cannot be used). Events without a parseable expiry never expire.
func ExpiresAtPassed(ev Event, now time.Time) bool {
	exp, ok := ev.ExpiresAt.Time()
	if !ok {
		return false
	}
	return exp.Before(ev.Timestamp.Or(now))
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
