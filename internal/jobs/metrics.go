package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "d3d_jobs_submitted_total",
		Help: "Total number of jobs submitted",
	})
	JobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "d3d_jobs_running",
		Help: "Number of jobs currently running",
	})
	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "d3d_jobs_finished_total",
		Help: "Total number of finished jobs by final status",
	}, []string{"status"})
	UnitEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "d3d_unit_events_total",
		Help: "Per-image progress events by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(JobsSubmittedTotal, JobsRunning, JobsFinishedTotal, UnitEventsTotal)
}
