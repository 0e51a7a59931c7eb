package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector reads pool statistics on every scrape, so binds opened after
// registration are reported too.
type poolCollector struct {
	src StatsSource

	maxOpen      *prometheus.Desc
	open         *prometheus.Desc
	inUse        *prometheus.Desc
	idle         *prometheus.Desc
	waitCount    *prometheus.Desc
	waitDuration *prometheus.Desc
}

func newPoolCollector(src StatsSource) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db", name), help, []string{"bind"}, nil)
	}
	return &poolCollector{
		src:          src,
		maxOpen:      desc("max_open_connections", "Maximum number of open connections."),
		open:         desc("open_connections", "Established connections, in use and idle."),
		inUse:        desc("in_use_connections", "Connections currently in use."),
		idle:         desc("idle_connections", "Idle connections."),
		waitCount:    desc("wait_count_total", "Connections waited for."),
		waitDuration: desc("wait_duration_seconds_total", "Time spent waiting for a connection."),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxOpen
	ch <- c.open
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waitCount
	ch <- c.waitDuration
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for bind, s := range c.src.Stats() {
		ch <- prometheus.MustNewConstMetric(c.maxOpen, prometheus.GaugeValue, float64(s.MaxOpenConnections), bind)
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(s.OpenConnections), bind)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse), bind)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle), bind)
		ch <- prometheus.MustNewConstMetric(c.waitCount, prometheus.CounterValue, float64(s.WaitCount), bind)
		ch <- prometheus.MustNewConstMetric(c.waitDuration, prometheus.CounterValue, s.WaitDuration.Seconds(), bind)
	}
}
