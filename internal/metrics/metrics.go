// Package metrics holds the Prometheus collectors of the pipeline. They are
// registered in init() and served on /metrics by the web server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	GateVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "po3_gate_verdicts_total",
			Help: "Stage gate verdicts by stage, trigger and action",
		},
		[]string{"stage", "trigger", "action"},
	)

	// result: advanced, unchanged or failed.
	StageRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "po3_stage_runs_total",
			Help: "Stage runs that acquired the lock, by result",
		},
		[]string{"stage", "result"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "po3_stage_duration_seconds",
			Help:    "Wall time of a locked stage run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	RoutedDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "po3_routed_decisions_total",
			Help: "Decisions handled by the router, by label and outcome",
		},
		[]string{"label", "outcome"},
	)

	AICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "po3_ai_calls_total",
			Help: "Completion attempts against the AI endpoint",
		},
		[]string{"kind", "result"},
	)

	BrokerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "po3_broker_calls_total",
			Help: "Broker API calls by operation and result",
		},
		[]string{"op", "result"},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "po3_notifications_total",
			Help: "Notification deliveries by result",
		},
		[]string{"result"},
	)

	BreakerTripped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "po3_breaker_tripped",
			Help: "1 while the consecutive-loss breaker blocks new orders",
		},
	)

	OpenOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "po3_open_orders",
			Help: "Pending or active order records after the last reconcile",
		},
	)
)

func init() {
	prometheus.MustRegister(GateVerdicts, StageRuns, StageDuration)
	prometheus.MustRegister(RoutedDecisions, AICalls, BrokerCalls, Notifications)
	prometheus.MustRegister(BreakerTripped, OpenOrders)
}

// Result maps an error to the "ok"/"error" label pair used by call counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
