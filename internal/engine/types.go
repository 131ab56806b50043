package engine

import (
	"time"

	"notifyd/internal/rules"
)

// Channel is the delivery channel an event targets.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// Event is an incoming notification request. It is not modified after it is received.
type Event struct {
	UserID       string         `json:"user_id"`
	EventType    string         `json:"event_type"`
	Message      string         `json:"message"`
	Source       string         `json:"source,omitempty"`
	PriorityHint string         `json:"priority_hint,omitempty"`
	Timestamp    Instant        `json:"timestamp"`
	Channel      Channel        `json:"channel"`
	DedupeKey    string         `json:"dedupe_key,omitempty"`
	ExpiresAt    Instant        `json:"expires_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// History is what the store knows about the user at decision time.
type History struct {
	// RecentFingerprints are exact fingerprints recorded within the dedupe window.
	RecentFingerprints []string
	// RecentMessages are message texts of recent decisions, any order.
	RecentMessages []string
	// Count10Min and PromoCount10Min are decisions counted over the trailing fatigue window.
	Count10Min      int
	PromoCount10Min int
}

// Input is everything one decision needs.
type Input struct {
	Event   Event
	History History
	// Rules is the snapshot to evaluate against. nil behaves as an empty rule set with
	// default global settings.
	Rules *rules.Snapshot
}

// DerivedContext is the per-decision view the rules are matched against.
// Every field is a pure function of the event and its History.
type DerivedContext struct {
	ExpiresAtPassed      bool
	IsExactDuplicate     bool
	IsNearDuplicate      bool
	NearDuplicateScore   int
	UserIsNoisy          bool
	PromotionCapExceeded bool
	AllowDuplicateBypass bool

	Fingerprint  string
	EventType    string
	PriorityHint string // lower-cased, trimmed
}

// Decision is the engine's verdict for one event.
type Decision struct {
	Action rules.Action
	// SendAt is set iff Action is later. It is a naive UTC wall-clock time.
	SendAt      *time.Time
	ReasonCodes []string
	Explanation string
	// MatchedRule is the winning rule's name; empty when the default policy applied.
	MatchedRule string
	// RuleMatched distinguishes an unnamed matching rule from the default policy.
	RuleMatched bool
	Reason      string
	Meta        Meta
	Context     DerivedContext
}

// Meta is the structured audit bundle attached to a decision.
type Meta struct {
	Dedupe   DedupeMeta  `json:"dedupe"`
	Fatigue  FatigueMeta `json:"fatigue"`
	Advisory Advice      `json:"ai"`
}

type DedupeMeta struct {
	Fingerprint          string `json:"fingerprint"`
	IsExactDuplicate     bool   `json:"is_exact_duplicate"`
	IsNearDuplicate      bool   `json:"is_near_duplicate"`
	NearScore            int    `json:"near_score"`
	AllowDuplicateBypass bool   `json:"allow_duplicate_bypass"`
}

type FatigueMeta struct {
	Count10Min           int  `json:"count_10_min"`
	Cap10Min             int  `json:"cap_10_min"`
	UserIsNoisy          bool `json:"user_is_noisy"`
	PromoCount10Min      int  `json:"promo_count_10_min"`
	PromoCap10Min        int  `json:"promo_cap_10_min"`
	PromotionCapExceeded bool `json:"promotion_cap_exceeded"`
}

// Reason codes, in the order they are reported.
const (
	CodeExpired              = "expired"
	CodeExactDuplicate       = "exact_duplicate"
	CodeNearDuplicate        = "near_duplicate"
	CodeNoisyUser            = "noisy_user"
	CodePromotionCapExceeded = "promotion_cap_exceeded"
	CodeSendNow              = "send_now"
	CodeDefer                = "defer"
	CodeSuppress             = "suppress"
)
