package switchlink

import "github.com/prometheus/client_golang/prometheus"

type linkMetrics struct {
	requests *prometheus.CounterVec
	reports  *prometheus.CounterVec
}

func registerLink(reg prometheus.Registerer) linkMetrics {
	m := linkMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "switchlink",
			Name:      "requests_total",
			Help:      "Flow table requests sent to switch agents by result",
		}, []string{"result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowcache",
			Subsystem: "switchlink",
			Name:      "reports_total",
			Help:      "Messages received on the report address by kind",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.reports)
	}
	return m
}
