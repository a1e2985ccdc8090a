package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brokerx/brokerx/libs/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrClosed = errors.New("audit recorder closed")

type Metrics struct {
	Recorded *prometheus.CounterVec
	Dropped  prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "audit_events_total",
			Help:      "Audit events delivered to the sink by action and result.",
		}, []string{"action", "result"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the buffer was full.",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.Recorded, m.Dropped)
	}
	return m
}

// AsyncRecorder hands events to a single background worker. Record never
// blocks; when the buffer is full the event is dropped and counted.
type AsyncRecorder struct {
	sink    Sink
	logger  *slog.Logger
	metrics *Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewAsyncRecorder(sink Sink, buffer int, logger *slog.Logger, m *Metrics) *AsyncRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	r := &AsyncRecorder{
		sink:    sink,
		logger:  logger,
		metrics: m,
		timeout: 5 * time.Second,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *AsyncRecorder) Record(_ context.Context, event Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.queue <- event:
		return nil
	default:
		if r.metrics != nil {
			r.metrics.Dropped.Inc()
		}
		r.logger.Warn("audit buffer full, event dropped", "event_id", event.EventID, "action", string(event.Action))
		return nil
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.sink.Record(ctx, event)
		cancel()

		result := "ok"
		if err != nil {
			result = "error"
			r.logger.Error("audit record failed", "event_id", event.EventID, "entity_id", event.EntityID, "error", err)
		}
		if r.metrics != nil {
			r.metrics.Recorded.WithLabelValues(string(event.Action), result).Inc()
		}
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
