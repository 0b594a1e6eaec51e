// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hewlettpackard/ecounter/internal/monitor"
)

// Snapshot aliases the monitor snapshot so consumers of this package
// need not import the monitor directly.
type Snapshot = monitor.Snapshot

// Collector translates the last cycle's snapshot into Prometheus
// metrics on each scrape.
type Collector struct {
	provider SnapshotProvider

	energyDesc    *prometheus.Desc
	nodePowerDesc *prometheus.Desc
	overheadDesc  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(provider SnapshotProvider) *Collector {
	return &Collector{
		provider: provider,
		energyDesc: prometheus.NewDesc(
			"ecounter_energy_joules_total",
			"Accumulated energy of a unit since process start",
			[]string{"component", "vendor", "unit"}, nil,
		),
		nodePowerDesc: prometheus.NewDesc(
			"ecounter_node_power_watts",
			"Instantaneous node power reported by the configured probe",
			nil, nil,
		),
		overheadDesc: prometheus.NewDesc(
			"ecounter_power_overhead_watts",
			"Node power not accounted for by the summed unit readings",
			[]string{"stat"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.energyDesc
	ch <- c.nodePowerDesc
	ch <- c.overheadDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.provider.Snapshot()
	if snapshot == nil {
		return
	}

	for _, u := range snapshot.Units {
		ch <- prometheus.MustNewConstMetric(
			c.energyDesc,
			prometheus.CounterValue,
			u.EnergyAcc.Joules(),
			u.Kind, u.Vendor, u.Addr,
		)
	}

	overhead := snapshot.Overhead
	if overhead == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.nodePowerDesc, prometheus.GaugeValue, overhead.NodePower.Watts())
	ch <- prometheus.MustNewConstMetric(c.overheadDesc, prometheus.GaugeValue, overhead.Min.Watts(), "min")
	ch <- prometheus.MustNewConstMetric(c.overheadDesc, prometheus.GaugeValue, overhead.Max.Watts(), "max")
	ch <- prometheus.MustNewConstMetric(c.overheadDesc, prometheus.GaugeValue, overhead.Average.Watts(), "avg")
}
