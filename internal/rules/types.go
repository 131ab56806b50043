package rules

import (
	"errors"
	"time"
)

var (
	ErrInvalidRules = errors.New("invalid rules")
	ErrNotLoaded    = errors.New("rules not loaded")
)

// Action is the outcome a rule (or the default policy) selects.
type Action string

const (
	ActionNow   Action = "now"
	ActionLater Action = "later"
	ActionNever Action = "never"
)

func (a Action) Valid() bool {
	switch a {
	case ActionNow, ActionLater, ActionNever:
		return true
	}
	return false
}

// Defaults applied to omitted global settings.
const (
	DefaultMaxPer10Min       = 12
	DefaultPromoCapPer10Min  = 2
	DefaultAction            = ActionLater
	DefaultLaterDelaySeconds = 120
	DefaultReason            = "Rule matched"
	DefaultPolicyReason      = "Default policy"
	defaultVersion           = 1
)

// Global holds fatigue caps and the fallback policy, already resolved against defaults.
type Global struct {
	MaxNotificationsPerUserPer10Min int
	PromotionalQuietModeCapPer10Min int
	DefaultAction                   Action
	LaterDelaySeconds               int
}

// DefaultGlobal returns the settings used when the rule file omits the global block.
func DefaultGlobal() Global {
	return Global{
		MaxNotificationsPerUserPer10Min: DefaultMaxPer10Min,
		PromotionalQuietModeCapPer10Min: DefaultPromoCapPer10Min,
		DefaultAction:                   DefaultAction,
		LaterDelaySeconds:               DefaultLaterDelaySeconds,
	}
}

// When is the condition block of a rule. A nil field is an absent key and always matches.
// Sets are non-empty when present.
type When struct {
	ExpiresAtPassed      *bool
	UserIsNoisy          *bool
	PromotionCapExceeded *bool
	AllowDuplicateBypass *bool
	IsExactDuplicate     *bool
	IsNearDuplicate      *bool

	EventTypeIn    Set
	PriorityHintIn Set
}

// Set is a string membership set. A nil Set means the key was not given.
type Set map[string]struct{}

func newSet(values []string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s Set) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Rule is one validated policy record.
type Rule struct {
	Name   string
	When   When
	Action Action
	Reason string
	// DelaySeconds overrides Global.LaterDelaySeconds for later actions. 0 means unset.
	DelaySeconds int
}

// Snapshot is an immutable, fully validated rule set. Callers must not mutate it.
type Snapshot struct {
	Version int
	// Generation increases by one every time the store swaps in a new snapshot.
	Generation uint64
	Rules      []Rule
	Global     Global

	Source   string
	Hash     string
	LoadedAt time.Time
}
