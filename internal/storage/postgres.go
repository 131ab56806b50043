package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	logx "notifyd/pkg/logx"
)

type pgFingerprint struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      string    `gorm:"column:user_id;not null;index:idx_fp_user_created,priority:1"`
	Fingerprint string    `gorm:"column:fingerprint;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_fp_user_created,priority:2"`
}

func (pgFingerprint) TableName() string { return "fingerprints" }

type pgAudit struct {
	Seq         int64          `gorm:"column:seq;primaryKey;autoIncrement"`
	ID          string         `gorm:"column:id;uniqueIndex;not null"`
	UserID      string         `gorm:"column:user_id;not null;index:idx_audit_user_created,priority:1;index:idx_audit_user_type_created,priority:1"`
	EventType   string         `gorm:"column:event_type;not null;index:idx_audit_user_type_created,priority:2"`
	Message     string         `gorm:"column:message;not null"`
	Action      string         `gorm:"column:action;not null"`
	RuleHit     *string        `gorm:"column:rule_hit"`
	ReasonCodes datatypes.JSON `gorm:"column:reason_codes;not null"`
	Event       datatypes.JSON `gorm:"column:event;not null"`
	Decision    datatypes.JSON `gorm:"column:decision;not null"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;index:idx_audit_user_created,priority:2;index:idx_audit_user_type_created,priority:3"`
}

func (pgAudit) TableName() string { return "audit" }

type pgDeferred struct {
	Seq          int64          `gorm:"column:seq;primaryKey;autoIncrement"`
	ID           string         `gorm:"column:id;uniqueIndex;not null"`
	UserID       string         `gorm:"column:user_id;not null;index:idx_deferred_user_status,priority:1"`
	SendAt       time.Time      `gorm:"column:send_at;not null;index:idx_deferred_status_send,priority:2"`
	Event        datatypes.JSON `gorm:"column:event;not null"`
	Reason       string         `gorm:"column:reason;not null"`
	Status       string         `gorm:"column:status;not null;default:pending;index:idx_deferred_status_send,priority:1;index:idx_deferred_user_status,priority:2"`
	Attempts     int            `gorm:"column:attempts;not null;default:0"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null"`
	DispatchedAt *time.Time     `gorm:"column:dispatched_at"`
}

func (pgDeferred) TableName() string { return "deferred" }

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	gcfg := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		NowFunc: nowUTC,
	}
	db, err := gorm.Open(postgres.Open(dsn), gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(60 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.AutoMigrate(&pgFingerprint{}, &pgAudit{}, &pgDeferred{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Debug("postgres store ready")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) RecentFingerprints(ctx context.Context, userID string, since time.Time) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&pgFingerprint{}).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Pluck("fingerprint", &out).Error
	return out, err
}

func (s *postgresStore) RecentMessages(ctx context.Context, userID string, limit int) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&pgAudit{}).
		Where("user_id = ?", userID).
		Order("created_at DESC, seq DESC").
		Limit(clampLimit(limit, 50)).
		Pluck("message", &out).Error
	return out, err
}

func (s *postgresStore) CountRecent(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&pgAudit{}).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Count(&n).Error
	return int(n), err
}

func (s *postgresStore) CountRecentByType(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&pgAudit{}).
		Where("user_id = ? AND event_type = ? AND created_at >= ?", userID, eventType, since.UTC()).
		Count(&n).Error
	return int(n), err
}

func (s *postgresStore) AddFingerprint(ctx context.Context, userID, fingerprint string) error {
	return s.db.WithContext(ctx).Create(&pgFingerprint{
		UserID:      userID,
		Fingerprint: fingerprint,
		CreatedAt:   nowUTC(),
	}).Error
}

func (s *postgresStore) EnqueueDeferred(ctx context.Context, e DeferredEntry) (DeferredEntry, error) {
	fillDeferred(&e)
	row := pgDeferred{
		ID:        e.ID,
		UserID:    e.UserID,
		SendAt:    e.SendAt.UTC(),
		Event:     jsonOrNull(e.Event),
		Reason:    e.Reason,
		Status:    string(e.Status),
		Attempts:  e.Attempts,
		CreatedAt: e.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return DeferredEntry{}, err
	}
	return e, nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error) {
	fillAudit(&e)
	codes, err := json.Marshal(e.ReasonCodes)
	if err != nil {
		return AuditEntry{}, err
	}
	row := pgAudit{
		ID:          e.ID,
		UserID:      e.UserID,
		EventType:   e.EventType,
		Message:     e.Message,
		Action:      e.Action,
		ReasonCodes: datatypes.JSON(codes),
		Event:       jsonOrNull(e.Event),
		Decision:    jsonOrNull(e.Decision),
		CreatedAt:   e.CreatedAt.UTC(),
	}
	if e.RuleHit != "" {
		hit := e.RuleHit
		row.RuleHit = &hit
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return AuditEntry{}, err
	}
	return e, nil
}

func (s *postgresStore) AuditForUser(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	var rows []pgAudit
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, seq DESC").
		Limit(clampLimit(limit, 50)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := AuditEntry{
			ID:        r.ID,
			UserID:    r.UserID,
			EventType: r.EventType,
			Message:   r.Message,
			Action:    r.Action,
			Event:     json.RawMessage(r.Event),
			Decision:  json.RawMessage(r.Decision),
			CreatedAt: r.CreatedAt.UTC(),
		}
		if r.RuleHit != nil {
			e.RuleHit = *r.RuleHit
		}
		if err := json.Unmarshal(r.ReasonCodes, &e.ReasonCodes); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *postgresStore) PendingDeferred(ctx context.Context, userID string, limit int) ([]DeferredEntry, error) {
	var rows []pgDeferred
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(DeferredPending)).
		Order("send_at, seq").
		Limit(clampLimit(limit, 50)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromPGDeferred(rows), nil
}

// ClaimDueDeferred uses SKIP LOCKED so concurrent dispatchers never claim the same row.
func (s *postgresStore) ClaimDueDeferred(ctx context.Context, now time.Time, limit int) ([]DeferredEntry, error) {
	const claim = `
		WITH cte AS (
		  SELECT seq
		  FROM deferred
		  WHERE status = ? AND send_at <= ?
		  ORDER BY send_at, seq
		  LIMIT ?
		  FOR UPDATE SKIP LOCKED
		)
		UPDATE deferred d
		SET status = ?, attempts = d.attempts + 1, dispatched_at = ?
		FROM cte
		WHERE d.seq = cte.seq
		RETURNING d.seq, d.id, d.user_id, d.send_at, d.event, d.reason, d.status, d.attempts, d.created_at, d.dispatched_at;
	`
	var rows []pgDeferred
	now = now.UTC()
	tx := s.db.WithContext(ctx).Begin(&sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err := tx.Raw(claim, string(DeferredPending), now, clampLimit(limit, 100), string(DeferredDispatched), now).Scan(&rows).Error; err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	out := fromPGDeferred(rows)
	sortBySendAt(out)
	return out, nil
}

func (s *postgresStore) ReleaseDeferred(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&pgDeferred{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(DeferredPending), "dispatched_at": nil})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) Prune(ctx context.Context, cutoff time.Time) (PruneStats, error) {
	var st PruneStats
	cutoff = cutoff.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", cutoff).Delete(&pgFingerprint{})
		if res.Error != nil {
			return res.Error
		}
		st.Fingerprints = res.RowsAffected

		res = tx.Where("created_at < ?", cutoff).Delete(&pgAudit{})
		if res.Error != nil {
			return res.Error
		}
		st.Audit = res.RowsAffected

		res = tx.Where("status = ? AND dispatched_at < ?", string(DeferredDispatched), cutoff).Delete(&pgDeferred{})
		if res.Error != nil {
			return res.Error
		}
		st.Deferred = res.RowsAffected
		return nil
	})
	if err != nil {
		return PruneStats{}, err
	}
	return st, nil
}

func fromPGDeferred(rows []pgDeferred) []DeferredEntry {
	out := make([]DeferredEntry, 0, len(rows))
	for _, r := range rows {
		d := DeferredEntry{
			ID:        r.ID,
			UserID:    r.UserID,
			SendAt:    r.SendAt.UTC(),
			Event:     json.RawMessage(r.Event),
			Reason:    r.Reason,
			Status:    DeferredStatus(r.Status),
			Attempts:  r.Attempts,
			CreatedAt: r.CreatedAt.UTC(),
		}
		if r.DispatchedAt != nil {
			t := r.DispatchedAt.UTC()
			d.DispatchedAt = &t
		}
		out = append(out, d)
	}
	return out
}

func jsonOrNull(b json.RawMessage) datatypes.JSON {
	if len(b) == 0 {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}
