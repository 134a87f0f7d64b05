package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/acronym-cli/internal/keypool"
)

var (
	// attemptsTotal counts enrichment attempts.
	// Labels: outcome (success or a failure kind)
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "acronym",
		Subsystem: "enrich",
		Name:      "attempts_total",
		Help:      "Enrichment attempts by outcome",
	}, []string{"outcome"})

	// jobsTotal counts jobs by final status.
	// Labels: status (done, failed), reason
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "acronym",
		Subsystem: "enrich",
		Name:      "jobs_total",
		Help:      "Jobs finished by status and failure reason",
	}, []string{"status", "reason"})

	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "acronym",
		Subsystem: "enrich",
		Name:      "in_flight",
		Help:      "Requests currently in flight",
	})

	// credentialsGauge tracks the key pool of the most recent run.
	// Labels: state (active, cooling, exhausted)
	credentialsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "acronym",
		Subsystem: "keypool",
		Name:      "credentials",
		Help:      "Credentials by state",
	}, []string{"state"})

	validationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "acronym",
		Subsystem: "validate",
		Name:      "rejections_total",
		Help:      "Responses rejected by the validator",
	}, []string{"kind"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "acronym",
		Subsystem: "enrich",
		Name:      "attempt_duration_seconds",
		Help:      "Latency of a single provider call",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"provider"})
)

func observeCredentials(counts map[keypool.State]int) {
	for _, s := range []keypool.State{keypool.Active, keypool.Cooling, keypool.Exhausted} {
		credentialsGauge.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
