package alerts

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentmedic"

var (
	alertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "sent_total",
			Help:      "Total alerts processed by sender and result",
		},
		[]string{"sender", "status"},
	)

	alertSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver an alert, retries included",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"sender"},
	)
)

func recordAlertSent(sender, status string) {
	alertsSent.WithLabelValues(sender, status).Inc()
}

func recordAlertDuration(sender string, duration time.Duration) {
	alertSendDuration.WithLabelValues(sender).Observe(duration.Seconds())
}
