package registry

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Prefixes *prometheus.GaugeVec
	Reloads  *prometheus.CounterVec
	Warnings *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Prefixes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ipsetd_set_prefixes",
			Help: "Aggregated prefixes in the current version of each set",
		}, []string{"set"}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipsetd_reloads_total",
			Help: "Set reloads by origin (cache or compiled) and outcome",
		}, []string{"set", "origin", "outcome"}),
		Warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipsetd_parse_warnings_total",
			Help: "Entries skipped while compiling sets",
		}, []string{"set", "kind"}),
	}
	reg.MustRegister(m.Prefixes, m.Reloads, m.Warnings)
	return m
}
