package service

import (
	"context"
	"log/slog"
	"time"
)

type stepOutcome int

const (
	stepOK stepOutcome = iota
	// stepRetryable failed on something transient; the saga may run it again.
	stepRetryable
	stepTerminal
)

type step struct {
	name string
	run  func(ctx context.Context) (stepOutcome, error)
	// compensate undoes a completed run. Nil when there is nothing to undo.
	compensate func(ctx context.Context)
}

// saga runs steps in order. When a step fails the completed steps are
// compensated in reverse order and the step's error is returned.
type saga struct {
	name     string
	logger   *slog.Logger
	metrics  *Metrics
	attempts int
	backoff  time.Duration

	completed []step
}

func (s *OrderService) newSaga(name string) *saga {
	return &saga{name: name, logger: s.logger, metrics: s.metrics, attempts: s.retryAttempts, backoff: s.retryBackoff}
}

func (sg *saga) run(ctx context.Context, steps ...step) error {
	for _, st := range steps {
		if err := sg.exec(ctx, st); err != nil {
			sg.compensate(ctx, st.name, err)
			return err
		}
		if st.compensate != nil {
			sg.completed = append(sg.completed, st)
		}
	}
	return nil
}

func (sg *saga) exec(ctx context.Context, st step) error {
	attempts := sg.attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		var outcome stepOutcome
		outcome, err = st.run(ctx)
		switch outcome {
		case stepOK:
			return nil
		case stepRetryable:
			if attempt >= attempts || ctx.Err() != nil {
				return err
			}
			sg.logger.Warn("saga step retry", "saga", sg.name, "step", st.name, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return err
			case <-time.After(sg.backoff * time.Duration(attempt)):
			}
		default:
			return err
		}
	}
}

func (sg *saga) compensate(ctx context.Context, failed string, cause error) {
	// compensation must finish even when the caller has gone away
	ctx = context.WithoutCancel(ctx)
	for i := len(sg.completed) - 1; i >= 0; i-- {
		st := sg.completed[i]
		sg.logger.Warn("saga compensating", "saga", sg.name, "step", st.name, "failed_step", failed, "error", cause)
		st.compensate(ctx)
		if sg.metrics != nil {
			sg.metrics.Compensations.WithLabelValues(sg.name, st.name).Inc()
		}
	}
	sg.completed = nil
}
