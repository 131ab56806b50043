package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/decision"
	"notifyd/internal/dispatch"
	"notifyd/internal/engine"
	"notifyd/internal/httpapi"
	"notifyd/internal/retention"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or NOTIFYD_STORAGE_DSN) is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// rulesPath resolves a relative rules.path against the config file's directory.
func rulesPath(cfgPath string, cfg *config.Config) (string, error) {
	p := strings.TrimSpace(cfg.Rules.Path)
	if p == "" {
		return "", fmt.Errorf("rules.path is required")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(cfgPath), p)
	}
	return p, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	if ec.NearDuplicateThreshold < 0 || ec.NearDuplicateThreshold > 100 {
		return engine.Config{}, fmt.Errorf("engine.near_duplicate_threshold must be within 0..100")
	}
	timeout, err := config.ParseDurationOrDefault("engine.advisory_timeout", ec.AdvisoryTimeout, engine.DefaultAdvisoryBudget)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{NearDuplicateThreshold: ec.NearDuplicateThreshold, AdvisoryTimeout: timeout}, nil
}

func mapDecisionConfig(cfg *config.Config) (decision.Config, error) {
	ec := cfg.Engine
	if ec.HistoryLimit < 0 {
		return decision.Config{}, fmt.Errorf("engine.history_limit must be >= 0")
	}
	fpWin, err := config.ParseDurationOrDefault("engine.fingerprint_window", ec.FingerprintWindow, decision.DefaultWindow)
	if err != nil {
		return decision.Config{}, err
	}
	fatWin, err := config.ParseDurationOrDefault("engine.fatigue_window", ec.FatigueWindow, decision.DefaultWindow)
	if err != nil {
		return decision.Config{}, err
	}
	return decision.Config{
		HistoryLimit:      ec.HistoryLimit,
		FingerprintWindow: fpWin,
		FatigueWindow:     fatWin,
		PromoEventType:    strings.TrimSpace(ec.PromoEventType),
	}, nil
}

type httpSettings struct {
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	opts         httpapi.Options
}

func mapHTTPConfig(cfg *config.Config) (httpSettings, error) {
	hc := cfg.HTTP
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = ":8080"
	}
	if hc.RatePerSec < 0 || hc.Burst < 0 {
		return httpSettings{}, fmt.Errorf("http.rate_per_sec and http.burst must be >= 0")
	}
	rt, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpSettings{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 10*time.Second)
	if err != nil {
		return httpSettings{}, err
	}
	return httpSettings{
		addr:         addr,
		readTimeout:  rt,
		writeTimeout: wt,
		opts: httpapi.Options{
			RatePerSec:  hc.RatePerSec,
			Burst:       hc.Burst,
			CORSOrigins: hc.CORSOrigins,
			Pprof:       hc.Pprof,
		},
	}, nil
}

type dispatchSettings struct {
	enabled bool
	cfg     dispatch.Config
	sink    string
	brokers []string
	topic   string
}

func mapDispatchConfig(cfg *config.Config) (dispatchSettings, error) {
	dc := cfg.Dispatch
	if dc == nil || !dc.Enabled {
		return dispatchSettings{}, nil
	}
	interval, err := config.ParseDurationOrDefault("dispatch.interval", dc.Interval, dispatch.DefaultInterval)
	if err != nil {
		return dispatchSettings{}, err
	}
	if dc.Batch < 0 {
		return dispatchSettings{}, fmt.Errorf("dispatch.batch must be >= 0")
	}
	out := dispatchSettings{
		enabled: true,
		cfg:     dispatch.Config{Interval: interval, Batch: dc.Batch},
		sink:    strings.ToLower(strings.TrimSpace(dc.Sink)),
	}
	switch out.sink {
	case "", "log":
		out.sink = "log"
	case "kafka":
		if dc.Kafka == nil || len(dc.Kafka.Brokers) == 0 || strings.TrimSpace(dc.Kafka.Topic) == "" {
			return dispatchSettings{}, fmt.Errorf("dispatch.kafka.brokers and dispatch.kafka.topic are required when dispatch.sink=kafka")
		}
		out.brokers = dc.Kafka.Brokers
		out.topic = strings.TrimSpace(dc.Kafka.Topic)
	default:
		return dispatchSettings{}, fmt.Errorf("unknown dispatch.sink: %s", dc.Sink)
	}
	return out, nil
}

// mapRetentionConfig: an omitted section runs retention with defaults.
func mapRetentionConfig(cfg *config.Config) (retention.Config, bool, error) {
	rc := cfg.Retention
	if rc == nil {
		return retention.Config{}, true, nil
	}
	if !rc.Enabled {
		return retention.Config{}, false, nil
	}
	keep, err := config.ParseDurationOrDefault("retention.keep", rc.Keep, retention.DefaultKeep)
	if err != nil {
		return retention.Config{}, false, err
	}
	return retention.Config{Schedule: rc.Schedule, Keep: keep}, true, nil
}

// validateConfig rejects a config file before it is committed, at startup and on hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Rules.Path) == "" {
		return fmt.Errorf("rules.path is required")
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDecisionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	rc, enabled, err := mapRetentionConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		if err := retention.ValidateSchedule(rc.Schedule); err != nil {
			return err
		}
		dc, _ := mapDecisionConfig(cfg)
		keep := rc.Keep
		if keep <= 0 {
			keep = retention.DefaultKeep
		}
		if keep < dc.FingerprintWindow || keep < dc.FatigueWindow {
			return fmt.Errorf("retention.keep must cover engine.fingerprint_window and engine.fatigue_window")
		}
	}
	return nil
}
