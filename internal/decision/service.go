// Package decision runs the per-request flow around the engine: it reads the user's
// history from storage, evaluates the event against the active rules and records the outcome.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"notifyd/internal/engine"
	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/internal/rules"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

var (
	ErrHistory = errors.New("read history")
	ErrRecord  = errors.New("record decision")
)

// DefaultDeferReason is stored on deferred entries when no named rule chose later.
const DefaultDeferReason = "default_defer"

// Config controls how much history a decision sees. Zero values take defaults.
type Config struct {
	HistoryLimit      int
	FingerprintWindow time.Duration
	FatigueWindow     time.Duration
	PromoEventType    string
}

const (
	DefaultHistoryLimit   = 50
	DefaultWindow         = 10 * time.Minute
	DefaultPromoEventType = "promotion"
)

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.FingerprintWindow <= 0 {
		c.FingerprintWindow = DefaultWindow
	}
	if c.FatigueWindow <= 0 {
		c.FatigueWindow = DefaultWindow
	}
	if c.PromoEventType == "" {
		c.PromoEventType = DefaultPromoEventType
	}
	return c
}

// Result is one recorded decision.
type Result struct {
	Decision     engine.Decision
	RulesVersion int
	AuditID      string
	// DeferredID is set when the decision was later and an entry was queued.
	DeferredID string
}

type Service struct {
	store   storage.Store
	rules   *rules.Store
	engine  *engine.Engine
	metrics *metrics.Metrics
	bus     eventbus.Bus
	log     logx.Logger

	cfg atomic.Pointer[Config]

	// Now is the clock used for history windows.
	Now func() time.Time
}

// New builds a Service. metrics and bus may be nil.
func New(cfg Config, store storage.Store, rs *rules.Store, eng *engine.Engine, m *metrics.Metrics, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:   store,
		rules:   rs,
		engine:  eng,
		metrics: m,
		bus:     bus,
		log:     log.With(logx.Component("decision")),
		Now:     time.Now,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the history settings used by subsequent decisions.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
}

func (s *Service) Config() Config { return *s.cfg.Load() }

// Decide reads history, evaluates ev and records the outcome.
//
// Writes happen in a fixed order: the fingerprint is always recorded, a deferred entry is
// queued for later decisions, and the audit row is written last, exactly once.
func (s *Service) Decide(ctx context.Context, ev engine.Event) (Result, error) {
	started := time.Now()
	cfg := s.Config()
	snap := s.rules.Current()

	hist, err := s.history(ctx, ev, cfg)
	if err != nil {
		return Result{}, err
	}

	d := s.engine.Decide(ctx, engine.Input{Event: ev, History: hist, Rules: snap})
	res := Result{Decision: d}
	if snap != nil {
		res.RulesVersion = snap.Version
	}

	evJSON, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode event: %w", ErrRecord, err)
	}

	if err := s.store.AddFingerprint(ctx, ev.UserID, d.Meta.Dedupe.Fingerprint); err != nil {
		return Result{}, fmt.Errorf("%w: fingerprint: %w", ErrRecord, err)
	}

	if d.Action == rules.ActionLater && d.SendAt != nil {
		reason := d.MatchedRule
		if reason == "" {
			reason = DefaultDeferReason
		}
		entry, err := s.store.EnqueueDeferred(ctx, storage.DeferredEntry{
			UserID: ev.UserID,
			SendAt: *d.SendAt,
			Event:  evJSON,
			Reason: reason,
		})
		if err != nil {
			return Result{}, fmt.Errorf("%w: defer: %w", ErrRecord, err)
		}
		res.DeferredID = entry.ID
	}

	decJSON, err := json.Marshal(res.Response())
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode decision: %w", ErrRecord, err)
	}
	audit, err := s.store.AppendAudit(ctx, storage.AuditEntry{
		UserID:      ev.UserID,
		EventType:   ev.EventType,
		Message:     ev.Message,
		Action:      string(d.Action),
		RuleHit:     d.MatchedRule,
		ReasonCodes: d.ReasonCodes,
		Event:       evJSON,
		Decision:    decJSON,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: audit: %w", ErrRecord, err)
	}
	res.AuditID = audit.ID

	took := time.Since(started)
	s.metrics.RecordDecision(string(d.Action), d.ReasonCodes, d.Meta.Advisory.Reason, took)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicDecisionMade, Data: Made{
			UserID:      ev.UserID,
			EventType:   ev.EventType,
			Action:      d.Action,
			MatchedRule: d.MatchedRule,
			AuditID:     res.AuditID,
		}})
	}
	s.log.Debug("decision made",
		logx.String("user_id", ev.UserID),
		logx.String("event_type", ev.EventType),
		logx.String("action", string(d.Action)),
		logx.String("rule", d.MatchedRule),
		logx.Strs("reason_codes", d.ReasonCodes),
		logx.Duration("took", took),
	)
	return res, nil
}

// Made is the payload published on eventbus.TopicDecisionMade.
type Made struct {
	UserID      string
	EventType   string
	Action      rules.Action
	MatchedRule string
	AuditID     string
}

func (s *Service) history(ctx context.Context, ev engine.Event, cfg Config) (engine.History, error) {
	now := s.Now().UTC()
	var (
		h   engine.History
		err error
	)
	if h.RecentFingerprints, err = s.store.RecentFingerprints(ctx, ev.UserID, now.Add(-cfg.FingerprintWindow)); err != nil {
		return h, fmt.Errorf("%w: fingerprints: %w", ErrHistory, err)
	}
	if h.RecentMessages, err = s.store.RecentMessages(ctx, ev.UserID, cfg.HistoryLimit); err != nil {
		return h, fmt.Errorf("%w: messages: %w", ErrHistory, err)
	}
	since := now.Add(-cfg.FatigueWindow)
	if h.Count10Min, err = s.store.CountRecent(ctx, ev.UserID, since); err != nil {
		return h, fmt.Errorf("%w: count: %w", ErrHistory, err)
	}
	if h.PromoCount10Min, err = s.store.CountRecentByType(ctx, ev.UserID, cfg.PromoEventType, since); err != nil {
		return h, fmt.Errorf("%w: promo count: %w", ErrHistory, err)
	}
	return h, nil
}
