package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's Prometheus instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	TasksSubmitted *prometheus.CounterVec
	TasksRejected  *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	WorkersBusy    prometheus.Gauge
}

// NewMetrics registers the instruments on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Tasks accepted into the queue",
			},
			[]string{"executor"},
		),
		TasksRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_rejected_total",
				Help:      "Submissions refused before reaching the queue",
			},
			[]string{"reason"},
		),
		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Tasks that reached a terminal state",
			},
			[]string{"executor", "state"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time spent in Execute",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"executor"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Tasks waiting in the queue",
			},
		),
		WorkersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_busy",
				Help:      "Workers currently executing a task",
			},
		),
	}
}

func (m *Metrics) submitted(executor string, depth int) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(executor).Inc()
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.TasksRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) dequeued(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	m.WorkersBusy.Inc()
}

func (m *Metrics) completed(executor, state string, took time.Duration) {
	if m == nil {
		return
	}
	m.WorkersBusy.Dec()
	m.TasksCompleted.WithLabelValues(executor, state).Inc()
	if took > 0 {
		m.TaskDuration.WithLabelValues(executor).Observe(took.Seconds())
	}
}

// abandoned counts a queued task failed by Stop; it never held a worker.
func (m *Metrics) abandoned(executor string) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(executor, "FAILED").Inc()
}

func (m *Metrics) depth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
