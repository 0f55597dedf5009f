// Package metrics exposes Prometheus metrics for the risk engine.
//
//   - engine_protective_ops_total{kind,op,result}   protective order operations
//   - engine_partial_replace_total{kind}            replaces that left a stale order
//   - engine_closes_total{style,result}             partial-close submissions
//   - engine_scan_ticks_total{result}               scanner ticks (ok|data_error)
//   - engine_crossovers_total{trend}                detected trend flips
//   - engine_signal_executions_total{direction,result}
//   - engine_active_scans                           running strategy subscriptions
//   - engine_gateway_request_seconds{op}            exchange call latency
//
// Registered in init() and served at /metrics by the API server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	protectiveOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_protective_ops_total",
			Help: "Protective order operations by kind, operation and result",
		},
		[]string{"kind", "op", "result"},
	)

	partialReplaces = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_partial_replace_total",
			Help: "Replaces whose new order is live but whose old order could not be cancelled",
		},
		[]string{"kind"},
	)

	closes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_closes_total",
			Help: "Partial close submissions by style and result",
		},
		[]string{"style", "result"},
	)

	scanTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_scan_ticks_total",
			Help: "Strategy scanner ticks by result (ok|data_error)",
		},
		[]string{"result"},
	)

	crossovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_crossovers_total",
			Help: "Detected moving-average crossovers by new trend",
		},
		[]string{"trend"},
	)

	signalExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_signal_executions_total",
			Help: "Signal executions by direction and result",
		},
		[]string{"direction", "result"},
	)

	activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_scans",
			Help: "Number of running strategy scan subscriptions",
		},
	)

	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_gateway_request_seconds",
			Help:    "Latency of exchange gateway calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(protectiveOps, partialReplaces, closes)
	prometheus.MustRegister(scanTicks, crossovers, signalExecutions, activeScans)
	prometheus.MustRegister(gatewayLatency)
}

// Result returns the label used for an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func IncProtectiveOp(kind, op string, err error) {
	protectiveOps.WithLabelValues(kind, op, Result(err)).Inc()
}

func IncPartialReplace(kind string) { partialReplaces.WithLabelValues(kind).Inc() }
func IncClose(style string, err error) { closes.WithLabelValues(style, Result(err)).Inc() }
func IncCrossover(trend string) { crossovers.WithLabelValues(trend).Inc() }
func IncScanTick(result string) { scanTicks.WithLabelValues(result).Inc() }
func IncSignalExecution(direction string, err error) {
	signalExecutions.WithLabelValues(direction, Result(err)).Inc()
}

func IncActiveScans() { activeScans.Inc() }
func DecActiveScans() { activeScans.Dec() }

// ObserveGateway records the latency of a gateway call started at start.
func ObserveGateway(op string, start time.Time) {
	gatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
