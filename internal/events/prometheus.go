package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink turns events into counters and histograms on a registry.
type PrometheusSink struct {
	batches      *prometheus.CounterVec
	taskResults  *prometheus.CounterVec
	batchSeconds *prometheus.HistogramVec
	phases       *prometheus.CounterVec
	retries      *prometheus.CounterVec
	queueWait    prometheus.Histogram
}

// NewPrometheusSink registers the pipeline metrics on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	f := promauto.With(reg)
	return &PrometheusSink{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_batches_total",
			Help: "Batches processed by phase and how they were satisfied",
		}, []string{"phase", "source"}),
		taskResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_task_results_total",
			Help: "Task results by phase and outcome",
		}, []string{"phase", "outcome"}),
		batchSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_batch_duration_seconds",
			Help:    "Batch wall-clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		}, []string{"phase"}),
		phases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_phases_total",
			Help: "Phase terminal transitions by status",
		}, []string{"phase", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_task_retries_total",
			Help: "Task attempts retried after a transient error",
		}, []string{"phase"}),
		queueWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_resource_queue_wait_seconds",
			Help:    "Time spent waiting for the shared resource lease",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}),
	}
}

func (s *PrometheusSink) Emit(e Event) {
	switch e.Type {
	case BatchCompleted:
		s.batches.WithLabelValues(e.PhaseID, "executed").Inc()
		s.taskResults.WithLabelValues(e.PhaseID, "success").Add(float64(e.Successes))
		s.taskResults.WithLabelValues(e.PhaseID, "failure").Add(float64(e.Failures))
		s.batchSeconds.WithLabelValues(e.PhaseID).Observe(e.Duration.Seconds())
	case BatchResumed:
		s.batches.WithLabelValues(e.PhaseID, "checkpoint").Inc()
	case PhaseCompleted, PhaseFailed, PhaseSkipped:
		s.phases.WithLabelValues(e.PhaseID, e.Status).Inc()
	case TaskRetried:
		s.retries.WithLabelValues(e.PhaseID).Inc()
	case ResourceQueueWait:
		s.queueWait.Observe(e.Duration.Seconds())
	}
}
