package rpcstatus

import "github.com/prometheus/client_golang/prometheus"

type collector struct {
	registry *Registry
	active   *prometheus.Desc
	total    *prometheus.Desc
}

// NewCollector exposes the registry as Prometheus metrics:
//
//	<namespace>_rpc_active_calls{address}  gauge
//	<namespace>_rpc_calls_total{address}   counter
func NewCollector(r *Registry, namespace string) prometheus.Collector {
	return &collector{
		registry: r,
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rpc", "active_calls"),
			"Calls currently in flight per coordinator address.",
			[]string{"address"}, nil,
		),
		total: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rpc", "calls_total"),
			"Calls started per coordinator address.",
			[]string{"address"}, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.total
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Range(func(key string, s *Status) bool {
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.Active()), key)
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(s.Total()), key)
		return true
	})
}
