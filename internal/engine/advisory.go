package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "notifyd/pkg/logx"
)

// Advisory fallback reasons.
const (
	AdviceDisabled = "disabled_stub"
	AdviceTimeout  = "timeout_fallback"
	AdviceError    = "error_fallback"
)

const (
	DefaultAdvisoryBudget = 50 * time.Millisecond
	maxAdviceErrorLen     = 120
)

// Advice is the advisory scorer's contribution to a decision's audit metadata.
type Advice struct {
	Used   bool   `json:"used"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Scorer is an external advisory model. Implementations should honor ctx, but the Advisor
// does not rely on it.
type Scorer interface {
	Score(ctx context.Context, ev Event) (Advice, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, ev Event) (Advice, error)

func (f ScorerFunc) Score(ctx context.Context, ev Event) (Advice, error) { return f(ctx, ev) }

// DisabledScorer is the default scorer: it never contributes.
type DisabledScorer struct{}

func (DisabledScorer) Score(context.Context, Event) (Advice, error) {
	return Advice{Used: false, Reason: AdviceDisabled}, nil
}

// Advisor runs a Scorer under a wall-clock budget. Advise always returns within roughly the
// budget and never fails: timeouts, errors and panics become fallback advice.
type Advisor struct {
	scorer Scorer
	budget time.Duration
	log    logx.Logger

	now func() time.Time
}

func NewAdvisor(scorer Scorer, budget time.Duration, log logx.Logger) *Advisor {
	if scorer == nil {
		scorer = DisabledScorer{}
	}
	if budget <= 0 {
		budget = DefaultAdvisoryBudget
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Advisor{scorer: scorer, budget: budget, log: log, now: time.Now}
}

func (a *Advisor) Budget() time.Duration { return a.budget }

type scoreResult struct {
	advice Advice
	err    error
}

func (a *Advisor) Advise(ctx context.Context, ev Event) Advice {
	if ctx == nil {
		ctx = context.Background()
	}
	start := a.now()
	sctx, cancel := context.WithTimeout(ctx, a.budget)
	defer cancel()

	// Buffered so an abandoned scorer can still finish without blocking.
	done := make(chan scoreResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scoreResult{err: fmt.Errorf("scorer panic: %v", r)}
			}
		}()
		adv, err := a.scorer.Score(sctx, ev)
		done <- scoreResult{advice: adv, err: err}
	}()

	select {
	case <-sctx.Done():
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			a.log.Debug("advisory timed out", logx.Duration("budget", a.budget))
			return Advice{Used: false, Reason: AdviceTimeout}
		}
		return errorAdvice(sctx.Err())
	case res := <-done:
		if a.now().Sub(start) > a.budget {
			return Advice{Used: false, Reason: AdviceTimeout}
		}
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return Advice{Used: false, Reason: AdviceTimeout}
			}
			a.log.Debug("advisory failed", logx.Err(res.err))
			return errorAdvice(res.err)
		}
		if res.advice.Reason == "" {
			res.advice.Reason = "scored"
		}
		return res.advice
	}
}

func errorAdvice(err error) Advice {
	msg := err.Error()
	if r := []rune(msg); len(r) > maxAdviceErrorLen {
		msg = string(r[:maxAdviceErrorLen])
	}
	return Advice{Used: false, Reason: AdviceError, Error: msg}
}
