package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Times are stored as unix milliseconds (UTC).
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecentFingerprints(ctx context.Context, userID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint FROM fingerprints WHERE user_id = ? AND created_at >= ?`,
		userID, since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentMessages(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message FROM audit WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, clampLimit(limit, 50),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountRecent(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit WHERE user_id = ? AND created_at >= ?`,
		userID, since.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountRecentByType(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit WHERE user_id = ? AND event_type = ? AND created_at >= ?`,
		userID, eventType, since.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) AddFingerprint(ctx context.Context, userID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints(user_id, fingerprint, created_at) VALUES(?,?,?)`,
		userID, fingerprint, nowUTC().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) EnqueueDeferred(ctx context.Context, e DeferredEntry) (DeferredEntry, error) {
	fillDeferred(&e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deferred(id, user_id, send_at, event, reason, status, attempts, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.SendAt.UnixMilli(), rawOrNull(e.Event), e.Reason, string(e.Status), e.Attempts, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return DeferredEntry{}, err
	}
	return e, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error) {
	fillAudit(&e)
	codes, err := json.Marshal(e.ReasonCodes)
	if err != nil {
		return AuditEntry{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit(id, user_id, event_type, message, action, rule_hit, reason_codes, event, decision, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.EventType, e.Message, e.Action, nullStr(e.RuleHit), string(codes),
		rawOrNull(e.Event), rawOrNull(e.Decision), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return AuditEntry{}, err
	}
	return e, nil
}

func (s *sqliteStore) AuditForUser(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, event_type, message, action, rule_hit, reason_codes, event, decision, created_at
		 FROM audit WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, clampLimit(limit, 50),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                      AuditEntry
			ruleHit                sql.NullString
			codes, event, decision string
			created                int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.Message, &e.Action, &ruleHit, &codes, &event, &decision, &created); err != nil {
			return nil, err
		}
		e.RuleHit = ruleHit.String
		if err := json.Unmarshal([]byte(codes), &e.ReasonCodes); err != nil {
			return nil, fmt.Errorf("audit %s: reason codes: %w", e.ID, err)
		}
		e.Event = json.RawMessage(event)
		e.Decision = json.RawMessage(decision)
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

const deferredColumns = `id, user_id, send_at, event, reason, status, attempts, created_at, dispatched_at`

func (s *sqliteStore) PendingDeferred(ctx context.Context, userID string, limit int) ([]DeferredEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deferredColumns+` FROM deferred
		 WHERE user_id = ? AND status = ? ORDER BY send_at, rowid LIMIT ?`,
		userID, string(DeferredPending), clampLimit(limit, 50),
	)
	if err != nil {
		return nil, err
	}
	return scanDeferred(rows)
}

func (s *sqliteStore) ClaimDueDeferred(ctx context.Context, now time.Time, limit int) ([]DeferredEntry, error) {
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE deferred
		 SET status = ?, attempts = attempts + 1, dispatched_at = ?
		 WHERE id IN (
		   SELECT id FROM deferred WHERE status = ? AND send_at <= ? ORDER BY send_at, rowid LIMIT ?
		 )
		 RETURNING `+deferredColumns,
		string(DeferredDispatched), ms, string(DeferredPending), ms, clampLimit(limit, 100),
	)
	if err != nil {
		return nil, err
	}
	out, err := scanDeferred(rows)
	if err != nil {
		return nil, err
	}
	sortBySendAt(out)
	return out, nil
}

func (s *sqliteStore) ReleaseDeferred(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deferred SET status = ?, dispatched_at = NULL WHERE id = ?`,
		string(DeferredPending), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Prune(ctx context.Context, cutoff time.Time) (PruneStats, error) {
	ms := cutoff.UnixMilli()
	var st PruneStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		query string
		args  []any
		dst   *int64
	}{
		{`DELETE FROM fingerprints WHERE created_at < ?`, []any{ms}, &st.Fingerprints},
		{`DELETE FROM audit WHERE created_at < ?`, []any{ms}, &st.Audit},
		{`DELETE FROM deferred WHERE status = ? AND dispatched_at < ?`, []any{string(DeferredDispatched), ms}, &st.Deferred},
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			return PruneStats{}, err
		}
		*step.dst, _ = res.RowsAffected()
	}
	if err := tx.Commit(); err != nil {
		return PruneStats{}, err
	}
	return st, nil
}

func scanDeferred(rows *sql.Rows) ([]DeferredEntry, error) {
	defer rows.Close()
	var out []DeferredEntry
	for rows.Next() {
		var (
			d               DeferredEntry
			event, status   string
			sendAt, created int64
			dispatched      sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &sendAt, &event, &d.Reason, &status, &d.Attempts, &created, &dispatched); err != nil {
			return nil, err
		}
		d.SendAt = time.UnixMilli(sendAt).UTC()
		d.Event = json.RawMessage(event)
		d.Status = DeferredStatus(status)
		d.CreatedAt = time.UnixMilli(created).UTC()
		if dispatched.Valid {
			t := time.UnixMilli(dispatched.Int64).UTC()
			d.DispatchedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func rawOrNull(b json.RawMessage) string {
	if len(b) == 0 {
		return "null"
	}
	return string(b)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
