package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/skupperproject/flowcache/pkg/flowcache/store"
)

// storeMetrics tracks the records held per database and status from store
// events.
type storeMetrics struct {
	records *prometheus.GaugeVec
	events  *prometheus.CounterVec
}

func newStoreMetrics(reg prometheus.Registerer) storeMetrics {
	m := storeMetrics{
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowcache",
			Subsystem: "store",
			Name:      "records",
			Help:      "Flow records held by database and status",
		}, []string{"database", "status"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "store",
			Name:      "events_total",
			Help:      "Store changes by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.records, m.events)
	return m
}

func (m storeMetrics) handlers() store.EventHandlerFuncs {
	return store.EventHandlerFuncs{
		OnAdd: func(e store.Entry) {
			m.events.WithLabelValues("add").Inc()
			m.records.WithLabelValues(e.Database, e.Status.String()).Inc()
		},
		OnChange: func(prev, curr store.Entry) {
			m.events.WithLabelValues("change").Inc()
			if prev.Status != curr.Status {
				m.records.WithLabelValues(prev.Database, prev.Status.String()).Dec()
				m.records.WithLabelValues(curr.Database, curr.Status.String()).Inc()
			}
		},
		OnDelete: func(e store.Entry) {
			m.events.WithLabelValues("delete").Inc()
			m.records.WithLabelValues(e.Database, e.Status.String()).Dec()
		},
	}
}
