package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "notifyd/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func newID() string { return uuid.NewString() }

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func nowUTC() time.Time { return time.Now().UTC() }

func fillAudit(e *AuditEntry) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	if e.ReasonCodes == nil {
		e.ReasonCodes = []string{}
	}
}

func fillDeferred(e *DeferredEntry) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	e.Status = DeferredPending
	e.Attempts = 0
	e.DispatchedAt = nil
}
