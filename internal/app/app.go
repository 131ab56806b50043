// Package app wires configuration, storage, rules and the HTTP API into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/decision"
	"notifyd/internal/dispatch"
	"notifyd/internal/engine"
	"notifyd/internal/eventbus"
	"notifyd/internal/httpapi"
	"notifyd/internal/metrics"
	"notifyd/internal/retention"
	"notifyd/internal/rules"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	metrics  *metrics.Metrics
	store    storage.Store
	rules    *rules.Store
	engine   *engine.Engine
	decision *decision.Service

	httpCfg    httpSettings
	http       *httpapi.Server
	dispatcher *dispatch.Dispatcher
	sink       dispatch.Sink
	retention  *retention.Service

	watchRules bool
}

// Options lets embedders and tests replace the advisory scorer.
type Options struct {
	Scorer engine.Scorer
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	cfgm.Commit(cfg)

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.Component("config")))
	cfgm.SetValidator(validateConfig)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
	}
	if err := a.build(cfg, opts); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, opts Options) error {
	sc, _ := mapStorageConfig(cfg)
	st, err := storage.Open(sc, a.log.With(logx.Component("storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	path, err := rulesPath(a.cfgPath, cfg)
	if err != nil {
		return err
	}
	a.rules = rules.NewStore(path, a.log.With(logx.Component("rules")))
	if res := a.rules.Reload(context.Background()); res.Err != nil {
		return fmt.Errorf("load rules: %w", res.Err)
	}
	a.metrics.RecordRuleReload(true, a.rules.Version())
	a.rules.OnReload(a.onRulesReload)
	a.watchRules = cfg.Rules.Watch

	ec, _ := mapEngineConfig(cfg)
	a.engine = engine.New(ec, opts.Scorer, a.log.With(logx.Component("engine")))

	dc, _ := mapDecisionConfig(cfg)
	a.decision = decision.New(dc, a.store, a.rules, a.engine, a.metrics, a.bus, a.log)

	a.httpCfg, _ = mapHTTPConfig(cfg)

	ds, _ := mapDispatchConfig(cfg)
	if ds.enabled {
		switch ds.sink {
		case "kafka":
			prod, err := dispatch.NewKafkaProducer(ds.brokers)
			if err != nil {
				return fmt.Errorf("kafka producer: %w", err)
			}
			ks, err := dispatch.NewKafkaSink(prod, ds.topic)
			if err != nil {
				_ = prod.Close()
				return err
			}
			a.sink = ks
		default:
			a.sink = dispatch.LogSink{Log: a.log.With(logx.Component("dispatch.sink"))}
		}
		a.dispatcher = dispatch.New(ds.cfg, a.store, a.sink, a.metrics, a.bus, a.log)
	}

	rc, enabled, _ := mapRetentionConfig(cfg)
	if enabled {
		rs, err := retention.New(rc, a.store, a.metrics, a.log)
		if err != nil {
			return err
		}
		a.retention = rs
	}
	return nil
}

func (a *App) onRulesReload(res rules.ReloadResult) {
	switch {
	case res.Err != nil:
		a.metrics.RecordRuleReload(false, 0)
		a.bus.Publish(eventbus.Event{Type: eventbus.TopicRulesRejected, Data: res.Err.Error()})
	case res.Swapped:
		a.metrics.RecordRuleReload(true, res.Snapshot.Version)
		a.bus.Publish(eventbus.Event{Type: eventbus.TopicRulesReloaded, Data: res.Snapshot.Version})
	}
}

// Addr is the bound API address once Start has returned.
func (a *App) Addr() string {
	if a.http == nil {
		return a.httpCfg.addr
	}
	return a.http.Addr()
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	router := httpapi.NewRouter(a.httpCfg.opts, httpapi.Deps{
		Decider:    a.decision,
		Rules:      a.rules,
		History:    a.store,
		Metrics:    a.metrics,
		Supervisor: a.sup,
		Log:        a.log,
	})
	a.http = httpapi.NewServer(a.httpCfg.addr, router, a.httpCfg.readTimeout, a.httpCfg.writeTimeout, a.log)
	if err := a.http.Listen(); err != nil {
		return err
	}
	a.sup.Go("http", a.http.Serve)

	if a.dispatcher != nil {
		a.sup.GoRestart("dispatch", a.dispatcher.Run)
	}
	if a.retention != nil {
		a.sup.Go("retention", a.retention.Run)
	}
	if a.watchRules {
		a.sup.GoRestart("rules.watch", a.rules.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))

	a.log.Info("app started", logx.String("addr", a.Addr()), logx.Int("rules_version", a.rules.Version()))
	return nil
}

// applyConfig applies the live-reloadable sections. Validation already ran in the manager.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))
	if ec, err := mapEngineConfig(next); err == nil {
		a.engine.Apply(ec)
	}
	if dc, err := mapDecisionConfig(next); err == nil {
		a.decision.Apply(dc)
	}
	restart := config.RestartRequired(sections)
	if p, err := rulesPath(a.cfgPath, next); err == nil && p != a.rules.Path() {
		restart = append(restart, "rules.path")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so one stuck
// component cannot stall the whole shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Workers first: the HTTP server drains, the dispatcher releases in-flight entries.
	step("supervisor", 6*time.Second, a.sup.Wait)
	step("sink", time.Second, func(context.Context) error {
		if a.sink != nil {
			return a.sink.Close()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
