package pool

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	queued   prometheus.Gauge
	running  prometheus.Gauge
	rejected prometheus.Counter
	tasks    *prometheus.CounterVec
}

func register(reg prometheus.Registerer, name string) metrics {
	labels := prometheus.Labels{"pool": name}
	m := metrics{
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "flowcache",
			Subsystem:   "pool",
			Name:        "queued_tasks",
			Help:        "Tasks waiting for a worker",
			ConstLabels: labels,
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "flowcache",
			Subsystem:   "pool",
			Name:        "running_tasks",
			Help:        "Tasks currently executing",
			ConstLabels: labels,
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "flowcache",
			Subsystem:   "pool",
			Name:        "rejected_tasks_total",
			Help:        "Tasks refused because the queue was full or the pool stopped",
			ConstLabels: labels,
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "flowcache",
			Subsystem:   "pool",
			Name:        "tasks_total",
			Help:        "Completed tasks by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.queued, m.running, m.rejected, m.tasks)
	}
	return m
}
