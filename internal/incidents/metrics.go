package incidents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentmedic"

var incidentsCreated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "incidents",
		Name:      "created_total",
		Help:      "Total incidents created by error code",
	},
	[]string{"error_code"},
)

func recordIncidentCreated(errorCode string) {
	incidentsCreated.WithLabelValues(errorCode).Inc()
}
