package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/fleetlive/core/model"
)

// StatusCounter reports the live status distribution.
type StatusCounter interface {
	Counts() model.StatusCounts
}

// FleetCollector exports the live fleet size per status, read from the
// store at scrape time so the figures reflect lazy offline classification.
type FleetCollector struct {
	src  StatusCounter
	desc *prometheus.Desc
}

// NewFleetCollector returns a collector over src.
func NewFleetCollector(src StatusCounter) *FleetCollector {
	return &FleetCollector{
		src: src,
		desc: prometheus.NewDesc("fleet_vehicles",
			"Vehicles in the live store by status", []string{"status"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

// Collect implements prometheus.Collector.
func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.src.Counts()
	for _, v := range []struct {
		status model.Status
		n      int
	}{
		{model.StatusMoving, counts.Moving},
		{model.StatusIdle, counts.Idle},
		{model.StatusOffline, counts.Offline},
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v.n), string(v.status))
	}
}
