// Package retention periodically prunes history the decision service no longer reads.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyd/internal/metrics"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"

	"github.com/robfig/cron/v3"
)

var ErrSchedule = errors.New("invalid retention schedule")

const (
	DefaultSchedule = "@every 10m"
	DefaultKeep     = 24 * time.Hour
)

type Config struct {
	Schedule string
	// Keep is how long rows stay. It must cover the longest history window in use.
	Keep time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Keep <= 0 {
		c.Keep = DefaultKeep
	}
	return c
}

type Service struct {
	cfg     Config
	store   storage.Store
	metrics *metrics.Metrics
	log     logx.Logger
	sched   cron.Schedule

	// runMu keeps manual and scheduled prunes from overlapping.
	runMu sync.Mutex

	Now func() time.Time
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron spec (5 or 6 fields, or a descriptor like "@every 10m").
func ValidateSchedule(spec string) error {
	_, err := parseSchedule(Config{Schedule: spec}.withDefaults().Schedule)
	return err
}

func parseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrSchedule, spec, err)
	}
	return sched, nil
}

func New(cfg Config, store storage.Store, m *metrics.Metrics, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	sched, err := parseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		metrics: m,
		log:     log.With(logx.Component("retention")),
		sched:   sched,
		Now:     time.Now,
	}, nil
}

// RunOnce deletes everything older than Keep.
func (s *Service) RunOnce(ctx context.Context) (storage.PruneStats, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	cutoff := s.Now().UTC().Add(-s.cfg.Keep)
	st, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		return st, err
	}
	s.metrics.RecordPrune(st.Fingerprints, st.Audit, st.Deferred)
	s.log.Info("history pruned",
		logx.Time("cutoff", cutoff),
		logx.Int64("fingerprints", st.Fingerprints),
		logx.Int64("audit", st.Audit),
		logx.Int64("deferred", st.Deferred),
	)
	return st, nil
}

// Run schedules RunOnce until ctx is canceled, then waits for a running prune to finish.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.sched, cron.FuncJob(func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("prune failed", logx.Err(err))
		}
	}))
	c.Start()
	s.log.Info("retention started", logx.String("schedule", s.cfg.Schedule), logx.Duration("keep", s.cfg.Keep))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Next reports when the schedule fires next after t.
func (s *Service) Next(t time.Time) time.Time { return s.sched.Next(t) }
