package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sumforge_jobs_created_total",
		Help: "Total number of jobs created.",
	})

	jobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sumforge_jobs_completed_total",
		Help: "Total number of jobs completed successfully.",
	})

	jobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sumforge_jobs_failed_total",
		Help: "Total number of jobs that failed.",
	})

	jobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sumforge_jobs_cancelled_total",
		Help: "Total number of jobs cancelled by their owner.",
	})

	activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sumforge_active_jobs",
		Help: "Number of jobs currently pending or running.",
	})

	jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sumforge_job_duration_seconds",
		Help:    "Wall-clock duration of finished jobs in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(jobsCreated)
	prometheus.MustRegister(jobsCompleted)
	prometheus.MustRegister(jobsFailed)
	prometheus.MustRegister(jobsCancelled)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(jobDuration)
}
