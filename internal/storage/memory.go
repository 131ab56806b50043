package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type fingerprintRow struct {
	userID string
	fp     string
	at     time.Time
}

// memoryStore keeps everything in process. Rows are appended in write order.
type memoryStore struct {
	mu     sync.Mutex
	closed bool

	fps      []fingerprintRow
	audit    []AuditEntry
	deferred []DeferredEntry
}

// NewMemory returns an empty in-process store. It is safe for concurrent use.
func NewMemory() Store { return &memoryStore{} }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) RecentFingerprints(ctx context.Context, userID string, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []string
	for _, r := range s.fps {
		if r.userID == userID && !r.at.Before(since) {
			out = append(out, r.fp)
		}
	}
	return out, nil
}

func (s *memoryStore) RecentMessages(ctx context.Context, userID string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 50)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audit[i].UserID == userID {
			out = append(out, s.audit[i].Message)
		}
	}
	return out, nil
}

func (s *memoryStore) CountRecent(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.count(ctx, userID, "", since)
}

func (s *memoryStore) CountRecentByType(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	return s.count(ctx, userID, eventType, since)
}

func (s *memoryStore) count(ctx context.Context, userID, eventType string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, a := range s.audit {
		if a.UserID != userID || a.CreatedAt.Before(since) {
			continue
		}
		if eventType != "" && a.EventType != eventType {
			continue
		}
		n++
	}
	return n, nil
}

func (s *memoryStore) AddFingerprint(ctx context.Context, userID, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.fps = append(s.fps, fingerprintRow{userID: userID, fp: fingerprint, at: nowUTC()})
	return nil
}

func (s *memoryStore) EnqueueDeferred(ctx context.Context, e DeferredEntry) (DeferredEntry, error) {
	if err := ctx.Err(); err != nil {
		return DeferredEntry{}, err
	}
	fillDeferred(&e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DeferredEntry{}, ErrClosed
	}
	s.deferred = append(s.deferred, e)
	return e, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return AuditEntry{}, err
	}
	fillAudit(&e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AuditEntry{}, ErrClosed
	}
	s.audit = append(s.audit, e)
	return e, nil
}

func (s *memoryStore) AuditForUser(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 50)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audit[i].UserID == userID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func (s *memoryStore) PendingDeferred(ctx context.Context, userID string, limit int) ([]DeferredEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 50)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []DeferredEntry
	for _, d := range s.deferred {
		if d.UserID == userID && d.Status == DeferredPending {
			out = append(out, d)
		}
	}
	sortBySendAt(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ClaimDueDeferred(ctx context.Context, now time.Time, limit int) ([]DeferredEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 100)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var due []int
	for i, d := range s.deferred {
		if d.Status == DeferredPending && !d.SendAt.After(now) {
			due = append(due, i)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		return s.deferred[due[a]].SendAt.Before(s.deferred[due[b]].SendAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]DeferredEntry, 0, len(due))
	for _, i := range due {
		d := &s.deferred[i]
		at := now
		d.Status = DeferredDispatched
		d.Attempts++
		d.DispatchedAt = &at
		out = append(out, *d)
	}
	return out, nil
}

func (s *memoryStore) ReleaseDeferred(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range s.deferred {
		if s.deferred[i].ID == id {
			s.deferred[i].Status = DeferredPending
			s.deferred[i].DispatchedAt = nil
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryStore) Prune(ctx context.Context, cutoff time.Time) (PruneStats, error) {
	if err := ctx.Err(); err != nil {
		return PruneStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PruneStats{}, ErrClosed
	}
	var st PruneStats

	fps := s.fps[:0]
	for _, r := range s.fps {
		if r.at.Before(cutoff) {
			st.Fingerprints++
			continue
		}
		fps = append(fps, r)
	}
	s.fps = fps

	audit := s.audit[:0]
	for _, a := range s.audit {
		if a.CreatedAt.Before(cutoff) {
			st.Audit++
			continue
		}
		audit = append(audit, a)
	}
	s.audit = audit

	deferred := s.deferred[:0]
	for _, d := range s.deferred {
		if d.Status == DeferredDispatched && d.DispatchedAt != nil && d.DispatchedAt.Before(cutoff) {
			st.Deferred++
			continue
		}
		deferred = append(deferred, d)
	}
	s.deferred = deferred
	return st, nil
}

func sortBySendAt(xs []DeferredEntry) {
	sort.SliceStable(xs, func(i, j int) bool { return xs[i].SendAt.Before(xs[j].SendAt) })
}
