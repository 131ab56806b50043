package decision

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"notifyd/internal/engine"
	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/internal/rules"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testRules = `version: 4
global:
  max_notifications_per_user_per_10_min: 3
  promotional_quiet_mode_cap_per_10_min: 1
  default_action: later
  later_delay_seconds: 60
rules:
  - name: drop_duplicates
    when: { is_exact_duplicate: true, allow_duplicate_bypass: false }
    action: never
    reason: Duplicate
  - name: drop_near_duplicates
    when: { is_near_duplicate: true, allow_duplicate_bypass: false }
    action: never
    reason: Near duplicate
  - name: quiet_promotions
    when: { event_type_in: [promotion], promotion_cap_exceeded: true }
    action: later
    delay_seconds: 900
    reason: Promotion quota reached
  - name: security_now
    when: { event_type_in: [security_alert] }
    action: now
    reason: Security
`

type fixture struct {
	svc     *Service
	store   storage.Store
	metrics *metrics.Metrics
	bus     eventbus.Bus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	snap, err := rules.Parse("rules.yaml", []byte(testRules))
	if err != nil {
		t.Fatalf("rules.Parse: %v", err)
	}
	rs := rules.NewStore("", logx.Nop())
	rs.Set(snap)

	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	m := metrics.New()
	bus := eventbus.New()
	eng := engine.New(engine.Config{}, nil, logx.Nop())
	return fixture{
		svc:     New(Config{}, st, rs, eng, m, bus, logx.Nop()),
		store:   st,
		metrics: m,
		bus:     bus,
	}
}

func event(typ, msg string) engine.Event {
	return engine.Event{
		UserID:    "u1",
		EventType: typ,
		Message:   msg,
		Timestamp: engine.ParseInstant("2024-05-01T10:00:00Z"),
		Channel:   engine.ChannelPush,
	}
}

func TestDecideNowRecordsAuditOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Decide(ctx, event("security_alert", "New login from Berlin"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Decision.Action != rules.ActionNow || res.Decision.MatchedRule != "security_now" {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if res.RulesVersion != 4 || res.AuditID == "" || res.DeferredID != "" {
		t.Fatalf("result = %+v", res)
	}

	pending, _ := f.store.PendingDeferred(ctx, "u1", 10)
	if len(pending) != 0 {
		t.Fatalf("now decision queued %d deferred entries", len(pending))
	}
	fps, _ := f.store.RecentFingerprints(ctx, "u1", time.Time{})
	if len(fps) != 1 || fps[0] != res.Decision.Meta.Dedupe.Fingerprint {
		t.Fatalf("fingerprints = %v", fps)
	}
	items, _ := f.store.AuditForUser(ctx, "u1", 10)
	if len(items) != 1 || items[0].ID != res.AuditID || items[0].RuleHit != "security_now" {
		t.Fatalf("audit = %+v", items)
	}
	var stored Response
	if err := json.Unmarshal(items[0].Decision, &stored); err != nil {
		t.Fatalf("decode audit decision: %v", err)
	}
	if stored.Decision != "now" || stored.RuleHit == nil || *stored.RuleHit != "security_now" || stored.SendAt != nil {
		t.Fatalf("stored decision = %+v", stored)
	}
}

func TestDecideDefaultLaterQueuesDeferred(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Decide(ctx, event("order_update", "Your order has shipped"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	d := res.Decision
	if d.Action != rules.ActionLater || d.MatchedRule != "" || d.Reason != rules.DefaultPolicyReason {
		t.Fatalf("decision = %+v", d)
	}
	want := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)
	if d.SendAt == nil || !d.SendAt.Equal(want) {
		t.Fatalf("send_at = %v, want %v", d.SendAt, want)
	}

	pending, err := f.store.PendingDeferred(ctx, "u1", 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, %v", pending, err)
	}
	if pending[0].ID != res.DeferredID || pending[0].Reason != DefaultDeferReason || !pending[0].SendAt.Equal(want) {
		t.Fatalf("deferred = %+v", pending[0])
	}
	var ev map[string]any
	if err := json.Unmarshal(pending[0].Event, &ev); err != nil || ev["message"] != "Your order has shipped" {
		t.Fatalf("deferred event = %s (%v)", pending[0].Event, err)
	}

	r := res.Response()
	if r.RuleHit != nil || r.SendAt == nil || *r.SendAt != "2024-05-01T10:01:00" {
		t.Fatalf("response = %+v", r)
	}
}

func TestDecideSecondIdenticalEventIsSuppressed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	ev := event("order_update", "Your order has shipped")

	if _, err := f.svc.Decide(ctx, ev); err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	res, err := f.svc.Decide(ctx, ev)
	if err != nil {
		t.Fatalf("second Decide: %v", err)
	}
	if res.Decision.Action != rules.ActionNever || res.Decision.MatchedRule != "drop_duplicates" {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if !res.Decision.Meta.Dedupe.IsExactDuplicate {
		t.Fatal("exact duplicate not detected")
	}
	if items, _ := f.store.AuditForUser(ctx, "u1", 10); len(items) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(items))
	}
}

func TestDecideNearDuplicateFromAuditedMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first := event("order_update", "Your order 123 has shipped today")
	if _, err := f.svc.Decide(ctx, first); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	second := event("order_update", "your order 123 has shipped today!")
	second.Channel = engine.ChannelEmail
	res, err := f.svc.Decide(ctx, second)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.Decision.Meta.Dedupe.IsExactDuplicate {
		t.Fatal("different channel should not be an exact duplicate")
	}
	if !res.Decision.Meta.Dedupe.IsNearDuplicate || res.Decision.MatchedRule != "drop_near_duplicates" {
		t.Fatalf("decision = %+v", res.Decision)
	}
}

func TestDecidePromotionCapCountsByEventType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Decide(ctx, event("promotion", "Spring sale starts now")); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	res, err := f.svc.Decide(ctx, event("promotion", "Weekend deals on garden tools"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	fat := res.Decision.Meta.Fatigue
	if fat.PromoCount10Min != 1 || !fat.PromotionCapExceeded {
		t.Fatalf("fatigue = %+v", fat)
	}
	if res.Decision.MatchedRule != "quiet_promotions" {
		t.Fatalf("rule = %q", res.Decision.MatchedRule)
	}
	want := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	if res.Decision.SendAt == nil || !res.Decision.SendAt.Equal(want) {
		t.Fatalf("send_at = %v, want %v", res.Decision.SendAt, want)
	}
	pending, _ := f.store.PendingDeferred(ctx, "u1", 10)
	var reasons []string
	for _, p := range pending {
		reasons = append(reasons, p.Reason)
	}
	if len(pending) != 2 || reasons[1] != "quiet_promotions" {
		t.Fatalf("deferred reasons = %v", reasons)
	}
}

func TestDecidePublishesAndRecordsMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(4, eventbus.TopicDecisionMade)
	defer unsub()

	res, err := f.svc.Decide(context.Background(), event("security_alert", "Password changed"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	select {
	case e := <-ch:
		made, ok := e.Data.(Made)
		if !ok || made.AuditID != res.AuditID || made.Action != rules.ActionNow {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no decision.made event published")
	}
	if got := testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues("now")); got != 1 {
		t.Fatalf("decisions{now} = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.AdvisoryTotal.WithLabelValues(engine.AdviceDisabled)); got != 1 {
		t.Fatalf("advisory{disabled} = %v", got)
	}
}

func TestDecideWithoutRulesUsesDefaults(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	svc := New(Config{}, st, rules.NewStore("", logx.Nop()), engine.New(engine.Config{}, nil, logx.Nop()), nil, nil, logx.Nop())

	res, err := svc.Decide(context.Background(), event("order_update", "hello"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if res.RulesVersion != 0 || res.Decision.Action != rules.ActionLater {
		t.Fatalf("result = %+v", res)
	}
	if res.Decision.SendAt == nil || !res.Decision.SendAt.Equal(time.Date(2024, 5, 1, 10, 2, 0, 0, time.UTC)) {
		t.Fatalf("send_at = %v", res.Decision.SendAt)
	}
}

func TestDecideStoreFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_ = f.store.Close()
	_, err := f.svc.Decide(context.Background(), event("order_update", "x"))
	if !errors.Is(err, ErrHistory) || !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("err = %v, want ErrHistory wrapping ErrClosed", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cfg := f.svc.Config()
	if cfg.HistoryLimit != 50 || cfg.FingerprintWindow != 10*time.Minute || cfg.FatigueWindow != 10*time.Minute || cfg.PromoEventType != "promotion" {
		t.Fatalf("config = %+v", cfg)
	}
	f.svc.Apply(Config{HistoryLimit: 5, PromoEventType: "marketing"})
	if cfg := f.svc.Config(); cfg.HistoryLimit != 5 || cfg.PromoEventType != "marketing" || cfg.FatigueWindow != 10*time.Minute {
		t.Fatalf("applied config = %+v", cfg)
	}
}
