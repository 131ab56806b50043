package engine

import (
	"context"
	"sync/atomic"
	"time"

	"notifyd/internal/rules"
	logx "notifyd/pkg/logx"
)

// Config tunes the engine. Zero values take defaults.
type Config struct {
	NearDuplicateThreshold int
	AdvisoryTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.NearDuplicateThreshold <= 0 || c.NearDuplicateThreshold > 100 {
		c.NearDuplicateThreshold = DefaultNearDuplicateThreshold
	}
	if c.AdvisoryTimeout <= 0 {
		c.AdvisoryTimeout = DefaultAdvisoryBudget
	}
	return c
}

// Engine assembles decisions. It holds no per-user state and is safe for concurrent use.
type Engine struct {
	log    logx.Logger
	scorer Scorer

	// state is swapped as a whole on Apply.
	state atomic.Pointer[engineState]

	// Now returns the processing instant. Tests may replace it before first use.
	Now func() time.Time
}

type engineState struct {
	cfg     Config
	advisor *Advisor
}

func New(cfg Config, scorer Scorer, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if scorer == nil {
		scorer = DisabledScorer{}
	}
	e := &Engine{log: log, scorer: scorer, Now: time.Now}
	e.Apply(cfg)
	return e
}

// Apply replaces the engine configuration. In-flight decisions keep the settings they started with.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.state.Store(&engineState{
		cfg:     cfg,
		advisor: NewAdvisor(e.scorer, cfg.AdvisoryTimeout, e.log),
	})
}

func (e *Engine) Config() Config { return e.state.Load().cfg }

// Decide evaluates one event. It never fails: bad timestamps fall back to the processing
// instant and the advisory step falls back on any problem.
func (e *Engine) Decide(ctx context.Context, in Input) Decision {
	st := e.state.Load()
	now := e.Now()

	g := rules.DefaultGlobal()
	var rs []rules.Rule
	if in.Rules != nil {
		g = in.Rules.Global
		rs = in.Rules.Rules
	}

	dc := BuildContext(in.Event, in.History, g, now, st.cfg.NearDuplicateThreshold)
	m := Evaluate(rs, g, dc)

	d := Decision{
		Action:      m.Action,
		MatchedRule: m.Rule,
		RuleMatched: m.Matched,
		Reason:      m.Reason,
		Context:     dc,
	}
	if m.Action == rules.ActionLater {
		at := in.Event.Timestamp.Or(now).Add(time.Duration(LaterDelay(m.DelaySeconds, g)) * time.Second)
		d.SendAt = &at
	}
	d.ReasonCodes = ReasonCodes(dc, m.Action)

	d.Meta = Meta{
		Dedupe: DedupeMeta{
			Fingerprint:          dc.Fingerprint,
			IsExactDuplicate:     dc.IsExactDuplicate,
			IsNearDuplicate:      dc.IsNearDuplicate,
			NearScore:            dc.NearDuplicateScore,
			AllowDuplicateBypass: dc.AllowDuplicateBypass,
		},
		Fatigue: FatigueMeta{
			Count10Min:           in.History.Count10Min,
			Cap10Min:             g.MaxNotificationsPerUserPer10Min,
			UserIsNoisy:          dc.UserIsNoisy,
			PromoCount10Min:      in.History.PromoCount10Min,
			PromoCap10Min:        g.PromotionalQuietModeCapPer10Min,
			PromotionCapExceeded: dc.PromotionCapExceeded,
		},
		Advisory: st.advisor.Advise(ctx, in.Event),
	}
	d.Explanation = Explain(d.Action, m.Reason, d.Meta)
	return d
}

// LaterDelay resolves the defer delay in seconds: the rule's own value, else the global
// setting, else the built-in default.
func LaterDelay(ruleDelay int, g rules.Global) int {
	switch {
	case ruleDelay > 0:
		return ruleDelay
	case g.LaterDelaySeconds > 0:
		return g.LaterDelaySeconds
	default:
		return rules.DefaultLaterDelaySeconds
	}
}

// ReasonCodes lists the conditions that held, in reporting order, followed by the code
// for the final action.
func ReasonCodes(dc DerivedContext, action rules.Action) []string {
	codes := make([]string, 0, 6)
	if dc.ExpiresAtPassed {
		codes = append(codes, CodeExpired)
	}
	if dc.IsExactDuplicate {
		codes = append(codes, CodeExactDuplicate)
	}
	if dc.IsNearDuplicate {
		codes = append(codes, CodeNearDuplicate)
	}
	if dc.UserIsNoisy {
		codes = append(codes, CodeNoisyUser)
	}
	if dc.PromotionCapExceeded {
		codes = append(codes, CodePromotionCapExceeded)
	}
	switch action {
	case rules.ActionNow:
		codes = append(codes, CodeSendNow)
	case rules.ActionLater:
		codes = append(codes, CodeDefer)
	case rules.ActionNever:
		codes = append(codes, CodeSuppress)
	}
	return codes
}
