package query

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	queries        *prometheus.CounterVec
	queryTime      prometheus.Histogram
	refreshWaits   *prometheus.CounterVec
	recordsMatched prometheus.Counter
}

func register(reg prometheus.Registerer) metrics {
	m := metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "query",
			Name:      "queries_total",
			Help:      "Queries by outcome",
		}, []string{"outcome"}),
		queryTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowcache",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Time from query submission to response",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		refreshWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "query",
			Name:      "refresh_waits_total",
			Help:      "Per switch refresh waits issued by queries, by result",
		}, []string{"result"}),
		recordsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "query",
			Name:      "records_returned_total",
			Help:      "Records returned across all query responses",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queries, m.queryTime, m.refreshWaits, m.recordsMatched)
	}
	return m
}
