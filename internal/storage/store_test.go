package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	logx "notifyd/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemory()}

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "notifyd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	stores["sqlite"] = sq

	if dsn := os.Getenv("NOTIFYD_TEST_PG_DSN"); dsn != "" {
		pg, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		stores["postgres"] = pg
	}

	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

// uniqueUser keeps tests independent when they share a postgres database.
func uniqueUser(name string) string {
	return name + "-" + newID()
}

func TestStoreHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			u := uniqueUser("history")
			other := uniqueUser("other")
			since := time.Now().Add(-time.Minute)

			if err := s.AddFingerprint(ctx, u, "fp1"); err != nil {
				t.Fatalf("AddFingerprint: %v", err)
			}
			if err := s.AddFingerprint(ctx, u, "fp2"); err != nil {
				t.Fatalf("AddFingerprint: %v", err)
			}
			if err := s.AddFingerprint(ctx, other, "fp3"); err != nil {
				t.Fatalf("AddFingerprint: %v", err)
			}
			fps, err := s.RecentFingerprints(ctx, u, since)
			if err != nil {
				t.Fatalf("RecentFingerprints: %v", err)
			}
			if len(fps) != 2 {
				t.Fatalf("fingerprints = %v, want 2", fps)
			}
			if fps, _ := s.RecentFingerprints(ctx, u, time.Now().Add(time.Hour)); len(fps) != 0 {
				t.Fatalf("future window returned %v", fps)
			}

			for i, typ := range []string{"promotion", "order_update", "promotion"} {
				_, err := s.AppendAudit(ctx, AuditEntry{
					UserID:      u,
					EventType:   typ,
					Message:     []string{"first", "second", "third"}[i],
					Action:      "later",
					ReasonCodes: []string{"defer"},
					Event:       json.RawMessage(`{"user_id":"x"}`),
					Decision:    json.RawMessage(`{"decision":"later"}`),
				})
				if err != nil {
					t.Fatalf("AppendAudit: %v", err)
				}
				// Distinct created_at values keep the newest-first order deterministic.
				time.Sleep(2 * time.Millisecond)
			}

			msgs, err := s.RecentMessages(ctx, u, 2)
			if err != nil {
				t.Fatalf("RecentMessages: %v", err)
			}
			if want := []string{"third", "second"}; !reflect.DeepEqual(msgs, want) {
				t.Fatalf("messages = %v, want %v", msgs, want)
			}

			n, err := s.CountRecent(ctx, u, since)
			if err != nil || n != 3 {
				t.Fatalf("CountRecent = %d, %v; want 3", n, err)
			}
			n, err = s.CountRecentByType(ctx, u, "promotion", since)
			if err != nil || n != 2 {
				t.Fatalf("CountRecentByType = %d, %v; want 2", n, err)
			}
			if n, _ := s.CountRecent(ctx, other, since); n != 0 {
				t.Fatalf("other user count = %d", n)
			}

			items, err := s.AuditForUser(ctx, u, 10)
			if err != nil {
				t.Fatalf("AuditForUser: %v", err)
			}
			if len(items) != 3 || items[0].Message != "third" || items[0].ID == "" {
				t.Fatalf("audit items = %+v", items)
			}
			if !reflect.DeepEqual(items[0].ReasonCodes, []string{"defer"}) {
				t.Fatalf("reason codes = %v", items[0].ReasonCodes)
			}
			var dec map[string]any
			if err := json.Unmarshal(items[0].Decision, &dec); err != nil || dec["decision"] != "later" {
				t.Fatalf("decision payload = %s (%v)", items[0].Decision, err)
			}
		})
	}
}

func TestStoreDeferredClaimAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			u := uniqueUser("deferred")
			now := time.Now().UTC().Truncate(time.Millisecond)

			due, err := s.EnqueueDeferred(ctx, DeferredEntry{UserID: u, SendAt: now.Add(-time.Minute), Event: json.RawMessage(`{"m":1}`), Reason: "quiet"})
			if err != nil {
				t.Fatalf("EnqueueDeferred: %v", err)
			}
			if due.ID == "" || due.Status != DeferredPending {
				t.Fatalf("entry = %+v", due)
			}
			if _, err := s.EnqueueDeferred(ctx, DeferredEntry{UserID: u, SendAt: now.Add(time.Hour), Event: json.RawMessage(`{"m":2}`), Reason: "default_defer"}); err != nil {
				t.Fatalf("EnqueueDeferred: %v", err)
			}

			pending, err := s.PendingDeferred(ctx, u, 10)
			if err != nil || len(pending) != 2 {
				t.Fatalf("PendingDeferred = %d, %v; want 2", len(pending), err)
			}
			if !pending[0].SendAt.Before(pending[1].SendAt) {
				t.Fatal("pending entries should be ordered by send_at")
			}

			claimed, err := s.ClaimDueDeferred(ctx, now, 10)
			if err != nil {
				t.Fatalf("ClaimDueDeferred: %v", err)
			}
			mine := filterUser(claimed, u)
			if len(mine) != 1 || mine[0].ID != due.ID || mine[0].Status != DeferredDispatched || mine[0].Attempts != 1 {
				t.Fatalf("claimed = %+v", mine)
			}

			again, err := s.ClaimDueDeferred(ctx, now, 10)
			if err != nil {
				t.Fatalf("ClaimDueDeferred: %v", err)
			}
			if len(filterUser(again, u)) != 0 {
				t.Fatal("entry claimed twice")
			}

			if err := s.ReleaseDeferred(ctx, due.ID); err != nil {
				t.Fatalf("ReleaseDeferred: %v", err)
			}
			again, _ = s.ClaimDueDeferred(ctx, now, 10)
			if mine := filterUser(again, u); len(mine) != 1 || mine[0].Attempts != 2 {
				t.Fatalf("reclaimed = %+v", mine)
			}

			if err := s.ReleaseDeferred(ctx, "missing-"+newID()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("ReleaseDeferred(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStorePrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			u := uniqueUser("prune")
			_ = s.AddFingerprint(ctx, u, "old")
			if _, err := s.AppendAudit(ctx, AuditEntry{UserID: u, EventType: "x", Message: "m", Action: "now", CreatedAt: time.Now().Add(-48 * time.Hour)}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
			if _, err := s.AppendAudit(ctx, AuditEntry{UserID: u, EventType: "x", Message: "fresh", Action: "now"}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}

			st, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if st.Audit < 1 {
				t.Fatalf("prune stats = %+v, want old audit row removed", st)
			}
			items, _ := s.AuditForUser(ctx, u, 10)
			if len(items) != 1 || items[0].Message != "fresh" {
				t.Fatalf("remaining audit = %+v", items)
			}
			if fps, _ := s.RecentFingerprints(ctx, u, time.Time{}); len(fps) != 1 {
				t.Fatalf("fresh fingerprint pruned: %v", fps)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "cassandra"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}

func TestMemoryClosed(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	_ = s.Close()
	if err := s.AddFingerprint(context.Background(), "u", "fp"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestMemoryHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.AddFingerprint(ctx, "u", "fp"); !errors.Is(err, context.Canceled) {
		t.Fatalf("AddFingerprint err = %v, want context.Canceled", err)
	}
	if _, err := s.CountRecent(ctx, "u", time.Time{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("CountRecent err = %v, want context.Canceled", err)
	}
	if _, err := s.ClaimDueDeferred(ctx, time.Now(), 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("ClaimDueDeferred err = %v, want context.Canceled", err)
	}
	if n, err := s.CountRecent(context.Background(), "u", time.Time{}); err != nil || n != 0 {
		t.Fatalf("nothing should have been written: %d, %v", n, err)
	}
}

func filterUser(xs []DeferredEntry, userID string) []DeferredEntry {
	var out []DeferredEntry
	for _, x := range xs {
		if x.UserID == userID {
			out = append(out, x)
		}
	}
	return out
}
