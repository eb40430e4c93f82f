package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Metrics
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "machine_broker",
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of currently active machine sessions",
	})

	SessionsRequested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "machine_broker",
		Subsystem: "session",
		Name:      "requested_total",
		Help:      "Total number of machine requests received",
	})

	SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "machine_broker",
		Subsystem: "session",
		Name:      "failed_total",
		Help:      "Total number of sessions that ended in a failed provision",
	})

	SessionsTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "machine_broker",
		Subsystem: "session",
		Name:      "terminated_total",
		Help:      "Total number of sessions terminated (explicit or expiry)",
	})

	ReconcileCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "machine_broker",
		Subsystem: "session",
		Name:      "reconcile_corrections_total",
		Help:      "Stored sessions corrected after control-plane status drift",
	})
)

// Control-Plane Metrics
var (
	ControlPlaneErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "machine_broker",
		Subsystem: "controlplane",
		Name:      "errors_total",
		Help:      "Total number of control-plane call failures",
	}, []string{"op"})

	ProvisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "machine_broker",
		Subsystem: "controlplane",
		Name:      "provision_latency_seconds",
		Help:      "Latency of successful provisioning calls",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	CommandLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "machine_broker",
		Subsystem: "controlplane",
		Name:      "command_latency_seconds",
		Help:      "Latency of remote command execution",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)
