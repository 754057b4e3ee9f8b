package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payroll",
		Name:      "tasks_total",
		Help:      "Relay tasks handled, by task name and outcome.",
	}, []string{"task", "outcome"})

	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payroll",
		Name:      "payouts_total",
		Help:      "Payout lifecycle transitions.",
	}, []string{"state"})

	ReconcilerConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payroll",
		Name:      "reconciler_confirmed_total",
		Help:      "Pending transactions flipped to confirmed by reconciler sweeps.",
	})

	ReconcilerLookupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payroll",
		Name:      "reconciler_lookup_errors_total",
		Help:      "Receipt lookups that failed during reconciler sweeps.",
	})

	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payroll",
		Name:      "bus_dropped_total",
		Help:      "Messages dropped by the message bus.",
	}, []string{"where"})

	AttachedViews = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "payroll",
		Name:      "attached_views",
		Help:      "UI views currently attached to the notification stream.",
	})

	RateCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payroll",
		Name:      "rate_cache_total",
		Help:      "Exchange rate cache lookups.",
	}, []string{"result"})
)
