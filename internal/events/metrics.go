package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "incidentmedic"

var (
	eventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "events_published_total",
			Help:      "Total transition events published",
		},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "events_dropped_total",
			Help:      "Events not delivered to a subscriber by overflow policy",
		},
		[]string{"policy"},
	)

	subscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "subscribers",
			Help:      "Number of live subscribers",
		},
	)
)

func recordPublished() {
	eventsPublished.Inc()
}

func recordDropped(policy OverflowPolicy) {
	eventsDropped.WithLabelValues(string(policy)).Inc()
}

func recordSubscribers(n int) {
	subscribersGauge.Set(float64(n))
}
