// Package telemetry exposes prometheus metrics for the job core, served
// on /metrics by the HTTP layer.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reasoner_jobs_started_total",
		Help: "Jobs accepted by the scheduler.",
	}, []string{"kind"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reasoner_jobs_finished_total",
		Help: "Jobs reaching a terminal status.",
	}, []string{"kind", "status"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reasoner_active_jobs",
		Help: "Jobs currently executing.",
	})

	FragmentsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reasoner_fragments_published_total",
		Help: "Fragments fanned out to observers.",
	})

	FragmentsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reasoner_fragments_dropped_total",
		Help: "Fragments dropped for stalled subscribers.",
	})
)
