package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"

	"github.com/IBM/sarama"
)

var ErrSinkConfig = errors.New("invalid sink config")

// Sink hands a due deferred notification to the downstream delivery system.
type Sink interface {
	Deliver(ctx context.Context, e storage.DeferredEntry) error
	Close() error
}

// Envelope is the payload written to the sink.
type Envelope struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	SendAt   time.Time       `json:"send_at"`
	Reason   string          `json:"reason"`
	Attempts int             `json:"attempts"`
	Event    json.RawMessage `json:"event"`
}

func envelopeOf(e storage.DeferredEntry) Envelope {
	return Envelope{ID: e.ID, UserID: e.UserID, SendAt: e.SendAt, Reason: e.Reason, Attempts: e.Attempts, Event: e.Event}
}

// LogSink only logs. It is the default when no broker is configured.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Deliver(_ context.Context, e storage.DeferredEntry) error {
	s.Log.Info("deferred notification due",
		logx.String("id", e.ID),
		logx.String("user_id", e.UserID),
		logx.String("reason", e.Reason),
		logx.Time("send_at", e.SendAt),
		logx.Int("attempts", e.Attempts),
	)
	return nil
}

func (LogSink) Close() error { return nil }

// KafkaSink publishes envelopes to a topic, keyed by user id so one user's notifications
// stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) (*KafkaSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrSinkConfig)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrSinkConfig)
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// NewKafkaProducer dials brokers with an idempotent, all-acks producer.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers", ErrSinkConfig)
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return sarama.NewSyncProducer(brokers, cfg)
}

func (s *KafkaSink) Deliver(ctx context.Context, e storage.DeferredEntry) error {
	payload, err := json.Marshal(envelopeOf(e))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(e.UserID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("deferred_id"), Value: []byte(e.ID)},
		},
	}

	// SendMessage does not take a context; the result is dropped if ctx ends first and the
	// entry is released for another attempt.
	done := make(chan error, 1)
	go func() {
		_, _, err := s.producer.SendMessage(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("kafka send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *KafkaSink) Close() error { return s.producer.Close() }
