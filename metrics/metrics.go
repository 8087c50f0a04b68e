// Package metrics contains the Prometheus instrumentation for the rollup
// machine manager.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rpcLabels        = []string{"method", "code"}
	rpcLatencyLabels = []string{"method"}
)

// ManagerMetrics are the Prometheus series the manager exposes. A single
// instance is shared process-wide, mirroring how the teacher's
// RequestMetrics is instantiated once per service.
type ManagerMetrics struct {
	RPCRequests  *prometheus.CounterVec
	RPCLatencies *prometheus.HistogramVec

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsTainted prometheus.Counter

	ProcessedInputs *prometheus.CounterVec
	EpochsFinished  prometheus.Counter
}

// NewManagerMetrics registers and returns the manager's Prometheus series.
func NewManagerMetrics() *ManagerMetrics {
	m := &ManagerMetrics{
		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollup_manager_rpc_requests_total",
				Help: "Count of manager-facing RPCs, partitioned by method and status code.",
			},
			rpcLabels,
		),
		RPCLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "rollup_manager_rpc_latency_seconds",
				Help: "Latency of manager-facing RPCs, partitioned by method.",
			},
			rpcLatencyLabels,
		),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollup_manager_sessions_active",
			Help: "Number of sessions currently alive.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollup_manager_sessions_started_total",
			Help: "Count of sessions ever started.",
		}),
		SessionsTainted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollup_manager_sessions_tainted_total",
			Help: "Count of sessions that became tainted.",
		}),
		ProcessedInputs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollup_manager_processed_inputs_total",
				Help: "Count of processed inputs, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		EpochsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollup_manager_epochs_finished_total",
			Help: "Count of epochs that finished.",
		}),
	}
	prometheus.MustRegister(
		m.RPCRequests,
		m.RPCLatencies,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionsTainted,
		m.ProcessedInputs,
		m.EpochsFinished,
	)
	return m
}

// RPCTimer starts a latency timer for the given RPC method.
func (m *ManagerMetrics) RPCTimer(method string) *prometheus.Timer {
	return prometheus.NewTimer(m.RPCLatencies.WithLabelValues(method))
}

// ObserveRPC records the outcome of a manager-facing RPC.
func (m *ManagerMetrics) ObserveRPC(method, code string, since time.Time) {
	m.RPCRequests.WithLabelValues(method, code).Inc()
	m.RPCLatencies.WithLabelValues(method).Observe(time.Since(since).Seconds())
}
