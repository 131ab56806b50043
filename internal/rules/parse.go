package rules

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"notifyd/internal/config"
)

// fileDoc is the on-disk shape of a rule file. Decoding is strict: any key outside
// this schema (including unknown "when" conditions) fails the whole load.
type fileDoc struct {
	Version *int              `json:"version"`
	Global  *globalDoc        `json:"global"`
	Rules   []json.RawMessage `json:"rules"`
}

type globalDoc struct {
	MaxNotificationsPerUserPer10Min *int    `json:"max_notifications_per_user_per_10_min"`
	PromotionalQuietModeCapPer10Min *int    `json:"promotional_quiet_mode_cap_per_10_min"`
	DefaultAction                   *string `json:"default_action"`
	LaterDelaySeconds               *int    `json:"later_delay_seconds"`
}

type ruleDoc struct {
	Name string `json:"name"`
	// When is decoded separately so explicit nulls can be told apart from absent keys.
	When         json.RawMessage `json:"when"`
	Action       string          `json:"action"`
	Reason       *string         `json:"reason"`
	DelaySeconds *int            `json:"delay_seconds"`
}

type whenDoc struct {
	ExpiresAtPassed      *bool     `json:"expires_at_passed"`
	UserIsNoisy          *bool     `json:"user_is_noisy"`
	PromotionCapExceeded *bool     `json:"promotion_cap_exceeded"`
	AllowDuplicateBypass *bool     `json:"allow_duplicate_bypass"`
	IsExactDuplicate     *bool     `json:"is_exact_duplicate"`
	IsNearDuplicate      *bool     `json:"is_near_duplicate"`
	EventTypeIn          *[]string `json:"event_type_in"`
	PriorityHintIn       *[]string `json:"priority_hint_in"`
}

// ParseFile reads and validates a rule file (.yaml/.yml or .json).
func ParseFile(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// Parse validates rule file content. The name decides the format by extension.
func Parse(name string, data []byte) (*Snapshot, error) {
	jb, _, err := config.CoerceToJSON(name, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	var doc fileDoc
	if err := config.DecodeStrict(jb, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	snap := &Snapshot{
		Version:  defaultVersion,
		Source:   name,
		LoadedAt: time.Now(),
	}
	sum := sha256.Sum256(data)
	snap.Hash = hex.EncodeToString(sum[:])

	if doc.Version != nil {
		snap.Version = *doc.Version
	}

	g, err := resolveGlobal(doc.Global)
	if err != nil {
		return nil, err
	}
	snap.Global = g

	snap.Rules = make([]Rule, 0, len(doc.Rules))
	for i, raw := range doc.Rules {
		r, err := parseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: rules[%d]: %v", ErrInvalidRules, i, err)
		}
		snap.Rules = append(snap.Rules, r)
	}
	return snap, nil
}

func resolveGlobal(d *globalDoc) (Global, error) {
	g := DefaultGlobal()
	if d == nil {
		return g, nil
	}
	if d.MaxNotificationsPerUserPer10Min != nil {
		if *d.MaxNotificationsPerUserPer10Min < 0 {
			return g, fmt.Errorf("%w: global.max_notifications_per_user_per_10_min must be >= 0", ErrInvalidRules)
		}
		g.MaxNotificationsPerUserPer10Min = *d.MaxNotificationsPerUserPer10Min
	}
	if d.PromotionalQuietModeCapPer10Min != nil {
		if *d.PromotionalQuietModeCapPer10Min < 0 {
			return g, fmt.Errorf("%w: global.promotional_quiet_mode_cap_per_10_min must be >= 0", ErrInvalidRules)
		}
		g.PromotionalQuietModeCapPer10Min = *d.PromotionalQuietModeCapPer10Min
	}
	if d.DefaultAction != nil && strings.TrimSpace(*d.DefaultAction) != "" {
		a := Action(strings.ToLower(strings.TrimSpace(*d.DefaultAction)))
		if !a.Valid() {
			return g, fmt.Errorf("%w: global.default_action: unknown action %q", ErrInvalidRules, *d.DefaultAction)
		}
		g.DefaultAction = a
	}
	if d.LaterDelaySeconds != nil {
		if *d.LaterDelaySeconds <= 0 {
			return g, fmt.Errorf("%w: global.later_delay_seconds must be > 0", ErrInvalidRules)
		}
		g.LaterDelaySeconds = *d.LaterDelaySeconds
	}
	return g, nil
}

func parseRule(raw json.RawMessage) (Rule, error) {
	var d ruleDoc
	if err := config.DecodeStrict(raw, &d); err != nil {
		return Rule{}, err
	}

	r := Rule{
		Name:   strings.TrimSpace(d.Name),
		Action: Action(strings.ToLower(strings.TrimSpace(d.Action))),
		Reason: DefaultReason,
	}
	if !r.Action.Valid() {
		return Rule{}, fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Reason != nil {
		r.Reason = *d.Reason
	}
	if d.DelaySeconds != nil {
		if *d.DelaySeconds <= 0 {
			return Rule{}, fmt.Errorf("delay_seconds must be > 0")
		}
		r.DelaySeconds = *d.DelaySeconds
	}

	if raw := bytes.TrimSpace(d.When); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		w, err := parseWhen(raw)
		if err != nil {
			return Rule{}, err
		}
		r.When = w
	}
	return r, nil
}

// parseWhen decodes a condition block. A key given as null is rejected rather than
// read as absent, since absent means "matches anything".
func parseWhen(raw json.RawMessage) (When, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return When{}, fmt.Errorf("when: %w", err)
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if bytes.Equal(bytes.TrimSpace(keys[k]), []byte("null")) {
			return When{}, fmt.Errorf("when.%s: value must not be null", k)
		}
	}

	var d whenDoc
	if err := config.DecodeStrict(raw, &d); err != nil {
		return When{}, err
	}
	w := When{
		ExpiresAtPassed:      d.ExpiresAtPassed,
		UserIsNoisy:          d.UserIsNoisy,
		PromotionCapExceeded: d.PromotionCapExceeded,
		AllowDuplicateBypass: d.AllowDuplicateBypass,
		IsExactDuplicate:     d.IsExactDuplicate,
		IsNearDuplicate:      d.IsNearDuplicate,
	}
	if d.EventTypeIn != nil {
		if len(*d.EventTypeIn) == 0 {
			return When{}, fmt.Errorf("when.event_type_in must list at least one value")
		}
		w.EventTypeIn = newSet(*d.EventTypeIn)
	}
	if d.PriorityHintIn != nil {
		if len(*d.PriorityHintIn) == 0 {
			return When{}, fmt.Errorf("when.priority_hint_in must list at least one value")
		}
		// Event hints are lower-cased and trimmed before matching, so any other
		// spelling here could never match.
		for _, v := range *d.PriorityHintIn {
			if v != strings.ToLower(strings.TrimSpace(v)) {
				return When{}, fmt.Errorf("when.priority_hint_in: %q must be lower-case without surrounding spaces", v)
			}
		}
		w.PriorityHintIn = newSet(*d.PriorityHintIn)
	}
	return w, nil
}
