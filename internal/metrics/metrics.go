// Package metrics holds the Prometheus collectors updated by the engine.
//
//   - cycle_trigger_checks_total{side,result}  trigger evaluations (triggered|rejected)
//   - cycle_state_updates_total{op,result}     persisted state changes (ok|failed|conflict|rollback)
//   - cycle_state_update_retries_total         transient retries in the transaction manager
//   - cycle_pauses_total{reason}               primary pause transitions
//   - cycle_paused                             1 while the strategy is halted
//   - cycle_balance_drift_ratio{asset}         last observed drift per asset
//
// They are registered in init() and served by the HTTP handler started in cmd/bot
// at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TriggerChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycle_trigger_checks_total",
			Help: "Buy/sell trigger evaluations by outcome",
		},
		[]string{"side", "result"},
	)

	StateUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycle_state_updates_total",
			Help: "Persisted cycle state changes by operation and result",
		},
		[]string{"op", "result"},
	)

	StateUpdateRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cycle_state_update_retries_total",
			Help: "Retries after transient persistence failures",
		},
	)

	Pauses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycle_pauses_total",
			Help: "Strategy pause transitions by reason",
		},
		[]string{"reason"},
	)

	Paused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cycle_paused",
			Help: "1 while the strategy is paused, 0 otherwise",
		},
	)

	BalanceDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cycle_balance_drift_ratio",
			Help: "Relative drift between tracked and observed balances",
		},
		[]string{"asset"},
	)
)

func init() {
	prometheus.MustRegister(TriggerChecks, StateUpdates, StateUpdateRetries, Pauses, Paused, BalanceDrift)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
