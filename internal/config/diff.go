package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe structured
// attrs for logging (never includes secrets like the postgres DSN).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Int("http.rate_per_sec", newCfg.HTTP.RatePerSec),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log DSN)
	oS, nS := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		oS.DSN != nS.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if oldCfg.Rules != newCfg.Rules {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.String("rules.path", newCfg.Rules.Path),
			logx.Bool("rules.watch", newCfg.Rules.Watch),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.near_duplicate_threshold", newCfg.Engine.NearDuplicateThreshold),
			logx.Int("engine.history_limit", newCfg.Engine.HistoryLimit),
			logx.String("engine.advisory_timeout", newCfg.Engine.AdvisoryTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		if newCfg.Dispatch != nil {
			attrs = append(attrs,
				logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
				logx.String("dispatch.sink", newCfg.Dispatch.Sink),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "http", "storage", "dispatch", "retention":
			out = append(out, s)
		}
	}
	return out
}
