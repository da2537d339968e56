package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the control loop.
type Metrics struct {
	Enqueued         *prometheus.CounterVec
	Rejected         *prometheus.CounterVec
	Completed        *prometheus.CounterVec
	Timeouts         *prometheus.CounterVec
	EventsDispatched *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	WorkerRespawns   prometheus.Counter
	TaskDuration     *prometheus.HistogramVec

	Pending           prometheus.Gauge
	Running           prometheus.Gauge
	BusyWorkers       prometheus.Gauge
	WorkerSlots       prometheus.Gauge
	SpentUSD          prometheus.Gauge
	EvolutionFailures prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// gets a private registry, so tests can build any number of supervisors.
// Registration errors panic, like the promauto helpers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ouro", Subsystem: "supervisor", Name: name, Help: help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ouro", Subsystem: "supervisor", Name: name, Help: help,
		})
	}

	m := &Metrics{
		Enqueued:         counterVec("tasks_enqueued_total", "Tasks admitted to the queue.", "kind"),
		Rejected:         counterVec("tasks_rejected_total", "Tasks refused admission.", "reason"),
		Completed:        counterVec("tasks_completed_total", "Tasks that reached a final status.", "kind", "status"),
		Timeouts:         counterVec("task_timeouts_total", "Soft and hard timeouts fired.", "type"),
		EventsDispatched: counterVec("events_dispatched_total", "Events handed to a handler.", "type"),
		HandlerErrors:    counterVec("handler_errors_total", "Dropped, failed, or panicking events.", "type"),
		WorkerRespawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ouro", Subsystem: "supervisor", Name: "worker_respawns_total",
			Help: "Dead worker processes replaced.",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ouro", Subsystem: "supervisor", Name: "task_duration_seconds",
			Help:    "Task run time reported by workers.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"kind"}),

		Pending:           gauge("tasks_pending", "Tasks waiting for a worker."),
		Running:           gauge("tasks_running", "Tasks assigned to a worker."),
		BusyWorkers:       gauge("workers_busy", "Worker slots holding a task."),
		WorkerSlots:       gauge("worker_slots", "Worker slots in the pool."),
		SpentUSD:          gauge("spent_usd", "Total inference spend."),
		EvolutionFailures: gauge("evolution_consecutive_failures", "Circuit breaker failure count."),
	}
	reg.MustRegister(
		m.Enqueued, m.Rejected, m.Completed, m.Timeouts, m.EventsDispatched, m.HandlerErrors,
		m.WorkerRespawns, m.TaskDuration,
		m.Pending, m.Running, m.BusyWorkers, m.WorkerSlots, m.SpentUSD, m.EvolutionFailures,
	)
	return m
}
