package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentmedic"

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "transitions_total",
			Help:      "Total incident status transitions",
		},
		[]string{"from", "to"},
	)

	flowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "flow_duration_seconds",
			Help:      "Duration of diagnosis and remediation flows",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"flow", "result"},
	)

	activeFlows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "active_flows",
			Help:      "Diagnosis and remediation flows currently running",
		},
		[]string{"flow"},
	)

	faultsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "faults_received_total",
			Help:      "Faults accepted by the coordinator by error code",
		},
		[]string{"error_code"},
	)
)

func recordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

func recordFlow(kind flowKind, result string, d time.Duration) {
	flowDuration.WithLabelValues(string(kind), result).Observe(d.Seconds())
}

func recordActiveFlow(kind flowKind, delta float64) {
	activeFlows.WithLabelValues(string(kind)).Add(delta)
}

func recordFault(errorCode string) {
	faultsReceived.WithLabelValues(errorCode).Inc()
}
