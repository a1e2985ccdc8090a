package service

import (
	"github.com/brokerx/brokerx/libs/metrics"
	"github.com/brokerx/brokerx/services/order/internal/reservation"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Placements       *prometheus.CounterVec
	PlacementLatency *prometheus.HistogramVec
	Cancellations    *prometheus.CounterVec
	Modifications    *prometheus.CounterVec
	Compensations    *prometheus.CounterVec
	FillsApplied     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "order_placements_total",
				Help:      "Order placement attempts by result.",
			},
			[]string{"result"},
		),
		PlacementLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Name:      "order_placement_latency_seconds",
				Help:      "Order placement latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		Cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "order_cancellations_total",
				Help:      "Order cancellation attempts by result.",
			},
			[]string{"result"},
		),
		Modifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "order_modifications_total",
				Help:      "Order modification attempts by result.",
			},
			[]string{"result"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "order_saga_compensations_total",
				Help:      "Compensating actions run after a failed saga step.",
			},
			[]string{"saga", "step"},
		),
		FillsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Name:      "order_fills_applied_total",
				Help:      "Fill reports processed by result.",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.Placements,
		m.PlacementLatency,
		m.Cancellations,
		m.Modifications,
		m.Compensations,
		m.FillsApplied,
	)
	return m
}

// RegisterLedgerGauges exposes the ledger's live reservation counts.
func RegisterLedgerGauges(registry *prometheus.Registry, ledger *reservation.Ledger) {
	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "reservations_active",
			Help:      "Orders currently holding a cash reservation.",
		}, func() float64 { return float64(ledger.Stats().ActiveReservations) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Name:      "reservation_wallets",
			Help:      "Wallets with at least one reservation.",
		}, func() float64 { return float64(ledger.Stats().WalletsWithReservations) }),
	)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(AsFailure(err).Kind)
}
