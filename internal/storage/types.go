package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, lost on restart
//   - "sqlite": SQLite database file (pure Go driver)
//   - "postgres": PostgreSQL via gorm
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the history/audit persistence API used by the decision service.
//
// All "since" bounds are inclusive and compared against the time a row was written.
type Store interface {
	RecentFingerprints(ctx context.Context, userID string, since time.Time) ([]string, error)
	// RecentMessages returns message texts of the user's latest audited decisions, newest first.
	RecentMessages(ctx context.Context, userID string, limit int) ([]string, error)
	CountRecent(ctx context.Context, userID string, since time.Time) (int, error)
	CountRecentByType(ctx context.Context, userID, eventType string, since time.Time) (int, error)

	AddFingerprint(ctx context.Context, userID, fingerprint string) error
	EnqueueDeferred(ctx context.Context, e DeferredEntry) (DeferredEntry, error)
	AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error)

	AuditForUser(ctx context.Context, userID string, limit int) ([]AuditEntry, error)
	PendingDeferred(ctx context.Context, userID string, limit int) ([]DeferredEntry, error)

	// ClaimDueDeferred marks up to limit pending entries with SendAt <= now as dispatched
	// and returns them, oldest SendAt first. A claimed entry is never returned twice
	// unless it is released.
	ClaimDueDeferred(ctx context.Context, now time.Time, limit int) ([]DeferredEntry, error)
	// ReleaseDeferred puts a claimed entry back into the pending state.
	ReleaseDeferred(ctx context.Context, id string) error

	// Prune deletes fingerprints and audit rows written before cutoff, and dispatched
	// deferred entries dispatched before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (PruneStats, error)

	Close() error
}

// AuditEntry is one recorded decision.
type AuditEntry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	EventType   string          `json:"event_type"`
	Message     string          `json:"message"`
	Action      string          `json:"action"`
	RuleHit     string          `json:"rule_hit,omitempty"`
	ReasonCodes []string        `json:"reason_codes"`
	Event       json.RawMessage `json:"event"`
	Decision    json.RawMessage `json:"decision"`
	CreatedAt   time.Time       `json:"created_at"`
}

type DeferredStatus string

const (
	DeferredPending    DeferredStatus = "pending"
	DeferredDispatched DeferredStatus = "dispatched"
)

// DeferredEntry is a notification scheduled for later hand-off.
type DeferredEntry struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	SendAt       time.Time       `json:"send_at"`
	Event        json.RawMessage `json:"event"`
	Reason       string          `json:"reason"`
	Status       DeferredStatus  `json:"status"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

type PruneStats struct {
	Fingerprints int64
	Audit        int64
	Deferred     int64
}
