// Package dispatch hands due deferred notifications to a downstream sink.
//
// It is an outbox poller: each tick claims a batch of due entries (the claim marks them
// dispatched atomically, so concurrent pollers never double-send), delivers them, and
// releases entries whose delivery failed so the next tick retries them.
package dispatch

import (
	"context"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type Config struct {
	Interval time.Duration
	Batch    int
}

const (
	DefaultInterval = 5 * time.Second
	DefaultBatch    = 100
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	return c
}

type Dispatcher struct {
	cfg     Config
	store   storage.Store
	sink    Sink
	metrics *metrics.Metrics
	bus     eventbus.Bus
	log     logx.Logger

	Now func() time.Time
}

// Dispatched is the payload published on eventbus.TopicDeferredDispatched.
type Dispatched struct {
	ID     string
	UserID string
	Reason string
}

// New builds a Dispatcher. metrics and bus may be nil.
func New(cfg Config, store storage.Store, sink Sink, m *metrics.Metrics, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		store:   store,
		sink:    sink,
		metrics: m,
		bus:     bus,
		log:     log.With(logx.Component("dispatch")),
		Now:     time.Now,
	}
}

// Run ticks until ctx is canceled. Claim errors are logged and retried on the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()
	d.log.Info("dispatcher started", logx.Duration("interval", d.cfg.Interval), logx.Int("batch", d.cfg.Batch))
	for {
		for {
			n, err := d.Tick(ctx)
			if err != nil {
				d.log.Warn("claim failed", logx.Err(err))
				break
			}
			// A fully delivered batch means more may be due; drain before sleeping.
			// Any failure leaves released entries for the next tick.
			if n < d.cfg.Batch || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Tick claims one batch and delivers it. It returns the number of entries delivered;
// failed entries are released and not counted.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	due, err := d.store.ClaimDueDeferred(ctx, d.Now().UTC(), d.cfg.Batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, e := range due {
		if d.deliver(ctx, e) {
			delivered++
		}
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, e storage.DeferredEntry) bool {
	if err := d.sink.Deliver(ctx, e); err != nil {
		d.metrics.RecordDispatch(false)
		d.log.Warn("deferred delivery failed; releasing",
			logx.String("id", e.ID),
			logx.String("user_id", e.UserID),
			logx.Int("attempts", e.Attempts),
			logx.Err(err),
		)
		// ctx may already be canceled on shutdown; the release must still land.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := d.store.ReleaseDeferred(relCtx, e.ID); rerr != nil {
			d.log.Error("release failed", logx.String("id", e.ID), logx.Err(rerr))
		}
		return false
	}
	d.metrics.RecordDispatch(true)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TopicDeferredDispatched, Data: Dispatched{ID: e.ID, UserID: e.UserID, Reason: e.Reason}})
	}
	return true
}
