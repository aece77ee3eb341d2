package synchronizer

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	refreshRequests *prometheus.CounterVec
	reports         *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
	reconcileTime   prometheus.Histogram
	purged          prometheus.Counter
}

func register(reg prometheus.Registerer) metrics {
	m := metrics{
		refreshRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "sync",
			Name:      "refresh_requests_total",
			Help:      "Flow table refresh requests by result",
		}, []string{"result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "sync",
			Name:      "reports_total",
			Help:      "Flow table reports received from switches by outcome",
		}, []string{"outcome"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "sync",
			Name:      "reconciled_records_total",
			Help:      "Records changed by reconciliation",
		}, []string{"change"}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowcache",
			Subsystem: "sync",
			Name:      "reconcile_seconds",
			Help:      "Time spent reconciling one flow table report",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "sync",
			Name:      "purged_records_total",
			Help:      "REMOVED records erased after the grace period",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.refreshRequests, m.reports, m.reconciled, m.reconcileTime, m.purged)
	}
	return m
}
