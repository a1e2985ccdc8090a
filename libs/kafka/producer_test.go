package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	metrics := NewProducerMetrics(prometheus.NewRegistry())
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default()).WithMetrics(metrics)

	_, _, err := publisher.PublishJSON(context.Background(), "audit.events", "key-1", map[string]string{"id": "1", "correlation_id": "req-9"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	payload, ok := dlq.calls[0].value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dlq.calls[0].value)
	}
	if payload.Stage != StagePublish || payload.Partition != nil {
		t.Fatalf("unexpected dead letter %+v", payload)
	}
	if payload.OriginalTopic != "audit.events" {
		t.Fatalf("expected original topic to match, got %s", payload.OriginalTopic)
	}
	if payload.Error == "" {
		t.Fatalf("expected error in dlq payload")
	}
	if payload.CorrelationID != "req-9" {
		t.Fatalf("expected correlation id carried over, got %q", payload.CorrelationID)
	}
	if got := testutil.ToFloat64(metrics.DeadLetters.WithLabelValues(StagePublish, "publish_failed")); got != 1 {
		t.Fatalf("expected 1 dead letter, got %v", got)
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), "audit.events", "key-1", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestSyncProducerPublishesJSON(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	mock := mocks.NewSyncProducer(t, cfg)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(raw []byte) error {
		var got map[string]string
		if err := json.Unmarshal(raw, &got); err != nil {
			return err
		}
		if got["order_id"] != "o-1" {
			return errors.New("unexpected payload")
		}
		return nil
	})
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	metrics := NewProducerMetrics(prometheus.NewRegistry())
	producer := NewSyncProducerFrom(mock, slog.Default(), metrics)
	defer producer.Close()

	if _, _, err := producer.PublishJSON(context.Background(), "audit.events", "o-1", map[string]string{"order_id": "o-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, _, err := producer.PublishJSON(context.Background(), "audit.events", "o-2", map[string]string{"order_id": "o-2"}); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.PublishTotal.WithLabelValues("audit.events", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.PublishTotal.WithLabelValues("audit.events", "error")); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
}

func TestSyncProducerHonoursCancelledContext(t *testing.T) {
	producer := NewSyncProducerFrom(mocks.NewSyncProducer(t, nil), nil, nil)
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := producer.PublishJSON(ctx, "audit.events", "k", "v"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
