package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ServiceSnapshot is the scrape-time view of the tunnel service.
type ServiceSnapshot struct {
	Running     bool
	RuleCount   int
	ActiveCount int
	HasAddress  bool
}

// StatusCollector reads service state on every scrape instead of mirroring
// it into gauges, so the exported values can never go stale.
type StatusCollector struct {
	snapshot func() ServiceSnapshot

	running *prometheus.Desc
	rules   *prometheus.Desc
	active  *prometheus.Desc
	address *prometheus.Desc
}

// NewStatusCollector wraps a snapshot function.
func NewStatusCollector(snapshot func() ServiceSnapshot) *StatusCollector {
	return &StatusCollector{
		snapshot: snapshot,
		running:  prometheus.NewDesc("v6tunnel_running", "1 if the tunnel service is running", nil, nil),
		rules:    prometheus.NewDesc("v6tunnel_rules", "Forwarding rules in the store", nil, nil),
		active:   prometheus.NewDesc("v6tunnel_workers_active", "Workers currently alive", nil, nil),
		address:  prometheus.NewDesc("v6tunnel_global_address_present", "1 if a global IPv6 address is assigned", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.rules
	ch <- c.active
	ch <- c.address
}

// Collect implements prometheus.Collector.
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, boolFloat(s.Running))
	ch <- prometheus.MustNewConstMetric(c.rules, prometheus.GaugeValue, float64(s.RuleCount))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.ActiveCount))
	ch <- prometheus.MustNewConstMetric(c.address, prometheus.GaugeValue, boolFloat(s.HasAddress))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
