package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/metrics"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingSink struct {
	mu    sync.Mutex
	got   []storage.DeferredEntry
	calls int
	fail  error
}

func (s *recordingSink) Deliver(_ context.Context, e storage.DeferredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func seed(t *testing.T, st storage.Store, userID string, sendAt time.Time) storage.DeferredEntry {
	t.Helper()
	e, err := st.EnqueueDeferred(context.Background(), storage.DeferredEntry{
		UserID: userID,
		SendAt: sendAt,
		Event:  json.RawMessage(`{"message":"hi"}`),
		Reason: "default_defer",
	})
	if err != nil {
		t.Fatalf("EnqueueDeferred: %v", err)
	}
	return e
}

func TestTickDeliversOnlyDueEntries(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	due := seed(t, st, "u1", now.Add(-time.Second))
	seed(t, st, "u1", now.Add(time.Hour))

	sink := &recordingSink{}
	m := metrics.New()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TopicDeferredDispatched)
	defer unsub()

	d := New(Config{Batch: 10}, st, sink, m, bus, logx.Nop())
	d.Now = func() time.Time { return now }

	n, err := d.Tick(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Tick = %d, %v; want 1", n, err)
	}
	if len(sink.got) != 1 || sink.got[0].ID != due.ID {
		t.Fatalf("delivered = %+v", sink.got)
	}
	if got := testutil.ToFloat64(m.DeferredDispatched.WithLabelValues("ok")); got != 1 {
		t.Fatalf("dispatched{ok} = %v", got)
	}
	select {
	case e := <-ch:
		if e.Data.(Dispatched).ID != due.ID {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no deferred.dispatched event")
	}

	if n, _ := d.Tick(context.Background()); n != 0 {
		t.Fatalf("second tick claimed %d", n)
	}
}

func TestTickReleasesOnSinkFailure(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	now := time.Now().UTC()
	e := seed(t, st, "u2", now.Add(-time.Minute))

	sink := &recordingSink{fail: errors.New("broker down")}
	m := metrics.New()
	d := New(Config{}, st, sink, m, nil, logx.Nop())

	if n, err := d.Tick(context.Background()); err != nil || n != 0 {
		t.Fatalf("Tick = %d, %v; want nothing delivered", n, err)
	}
	pending, _ := st.PendingDeferred(context.Background(), "u2", 10)
	if len(pending) != 1 || pending[0].ID != e.ID || pending[0].Status != storage.DeferredPending {
		t.Fatalf("pending after failure = %+v", pending)
	}
	if got := testutil.ToFloat64(m.DeferredDispatched.WithLabelValues("failed")); got != 1 {
		t.Fatalf("dispatched{failed} = %v", got)
	}

	sink.fail = nil
	if n, _ := d.Tick(context.Background()); n != 1 || len(sink.got) != 1 || sink.got[0].Attempts != 2 {
		t.Fatalf("retry delivered = %+v", sink.got)
	}
}

func TestRunWaitsForNextTickWhenSinkFails(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	now := time.Now().UTC()
	seed(t, st, "u4", now.Add(-time.Minute))
	seed(t, st, "u4", now.Add(-time.Minute))

	sink := &recordingSink{fail: errors.New("broker down")}
	d := New(Config{Interval: time.Hour, Batch: 2}, st, sink, nil, nil, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}

	sink.mu.Lock()
	calls := sink.calls
	sink.mu.Unlock()
	if calls != 2 {
		t.Fatalf("Deliver calls = %d, want 2 (one attempt per entry before the next tick)", calls)
	}
	pending, _ := st.PendingDeferred(context.Background(), "u4", 10)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want both entries released", len(pending))
	}
	for _, e := range pending {
		if e.Attempts != 1 {
			t.Fatalf("attempts = %d, want 1", e.Attempts)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	defer st.Close()
	seed(t, st, "u3", time.Now().Add(-time.Second))
	sink := &recordingSink{}
	d := New(Config{Interval: 10 * time.Millisecond}, st, sink, nil, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.got)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestKafkaSinkPublishesKeyedEnvelope(t *testing.T) {
	t.Parallel()
	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "notifications.deferred" {
			return fmt.Errorf("topic = %q", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "u1" {
			return fmt.Errorf("key = %q", key)
		}
		val, _ := msg.Value.Encode()
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.ID != "d1" || env.Reason != "quiet_hours" || string(env.Event) != `{"message":"hi"}` {
			return fmt.Errorf("envelope = %+v", env)
		}
		return nil
	})

	sink, err := NewKafkaSink(prod, "notifications.deferred")
	if err != nil {
		t.Fatalf("NewKafkaSink: %v", err)
	}
	err = sink.Deliver(context.Background(), storage.DeferredEntry{
		ID:     "d1",
		UserID: "u1",
		Reason: "quiet_hours",
		Event:  json.RawMessage(`{"message":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestKafkaSinkSurfacesSendError(t *testing.T) {
	t.Parallel()
	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink, _ := NewKafkaSink(prod, "t")
	err := sink.Deliver(context.Background(), storage.DeferredEntry{ID: "x", UserID: "u"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("err = %v, want ErrOutOfBrokers", err)
	}
	_ = sink.Close()
}

func TestNewKafkaSinkValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewKafkaSink(nil, "t"); !errors.Is(err, ErrSinkConfig) {
		t.Fatalf("nil producer err = %v", err)
	}
	if _, err := NewKafkaProducer(nil); !errors.Is(err, ErrSinkConfig) {
		t.Fatalf("no brokers err = %v", err)
	}
}
