// Package gateway resolves account status and wallet balances, either from the
// account/wallet services over HTTP or from their tables in process.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/brokerx/brokerx/libs/metrics"
	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrWalletNotFound  = errors.New("wallet not found")
	// ErrUnavailable marks transient failures: timeouts, 5xx, open breaker.
	ErrUnavailable = errors.New("account gateway unavailable")
)

type AccountGateway interface {
	// ResolveAccount maps an authenticated identity (login email) to its account.
	ResolveAccount(ctx context.Context, identity string) (*domain.Account, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
}

type WalletGateway interface {
	GetWallet(ctx context.Context, accountID uuid.UUID) (*domain.Wallet, error)
}

type Gateway interface {
	AccountGateway
	WalletGateway
}

type Metrics struct {
	Calls    *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	Breakers *prometheus.GaugeVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "gateway_calls_total",
			Help:      "Account/wallet gateway calls by operation and result.",
		}, []string{"operation", "result"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Account/wallet gateway call latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"operation"}),
		Breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "gateway_breaker_open",
			Help:      "1 while the upstream circuit breaker is open.",
		}, []string{"upstream"}),
	}
	if registry != nil {
		registry.MustRegister(m.Calls, m.Latency, m.Breakers)
	}
	return m
}

func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnavailable):
		result = "unavailable"
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrWalletNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	m.Calls.WithLabelValues(operation, result).Inc()
	m.Latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
