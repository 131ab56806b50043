package config

// Config is the service configuration file (YAML or JSON).
//
// Policy (rules, caps, default action) lives in a separate rule file referenced by
// rules.path so it can be reloaded without touching service settings.
type Config struct {
	HTTP      HTTPConfig       `json:"http"`
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Rules     RulesConfig      `json:"rules"`
	Engine    EngineConfig     `json:"engine,omitempty"`
	Dispatch  *DispatchConfig  `json:"dispatch,omitempty"`
	Retention *RetentionConfig `json:"retention,omitempty"`
}

// HTTPConfig controls the decision API listener.
//
// Durations are strings: Go durations ("500ms", "10s") or quoted whole seconds ("600").
type HTTPConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// RatePerSec/Burst configure the ingress token bucket. 0 disables limiting.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`

	CORSOrigins []string `json:"cors_origins,omitempty"`

	// Pprof mounts /debug/pprof/* on the API listener. Keep it off in production.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the history/audit backend.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/notifyd.db }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // sqlite | postgres | memory
	Path        string `json:"path,omitempty"`         // sqlite file
	DSN         string `json:"dsn,omitempty"`          // postgres DSN (never logged)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// RulesConfig points at the policy file.
type RulesConfig struct {
	Path string `json:"path"`
	// Watch reloads the rule file automatically when it changes on disk.
	Watch bool `json:"watch"`
}

// EngineConfig tunes the history windows fed into the decision engine.
//
// Defaults (when fields are omitted/zero):
//   - near_duplicate_threshold: 92
//   - history_limit: 50
//   - fingerprint_window: "10m"
//   - fatigue_window: "10m"
//   - promo_event_type: "promotion"
//   - advisory_timeout: "50ms"
type EngineConfig struct {
	NearDuplicateThreshold int    `json:"near_duplicate_threshold,omitempty"`
	HistoryLimit           int    `json:"history_limit,omitempty"`
	FingerprintWindow      string `json:"fingerprint_window,omitempty"`
	FatigueWindow          string `json:"fatigue_window,omitempty"`
	PromoEventType         string `json:"promo_event_type,omitempty"`
	AdvisoryTimeout        string `json:"advisory_timeout,omitempty"`
}

// DispatchConfig controls hand-off of due deferred notifications.
// If the section is omitted, the dispatcher is disabled.
type DispatchConfig struct {
	Enabled  bool         `json:"enabled"`
	Interval string       `json:"interval,omitempty"` // default "5s"
	Batch    int          `json:"batch,omitempty"`    // default 100
	Sink     string       `json:"sink,omitempty"`     // log | kafka
	Kafka    *KafkaConfig `json:"kafka,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// RetentionConfig controls periodic pruning of history tables.
// If the section is omitted, retention runs with defaults.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 10m"
	Keep     string `json:"keep,omitempty"`     // default "24h"
}
