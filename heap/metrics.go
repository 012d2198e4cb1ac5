package heap

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the statistics of a set of allocators to prometheus. Each allocator's
// metrics carry an "allocator" label with its key in the map.
type Collector struct {
	allocators map[string]*Allocator

	regions         *prometheus.Desc
	regionBytes     *prometheus.Desc
	allocations     *prometheus.Desc
	allocationBytes *prometheus.Desc
	unusedRanges    *prometheus.Desc
	growths         *prometheus.Desc
	growthFailures  *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector. It must be registered with a prometheus.Registerer to be
// scraped.
func NewCollector(namespace string, allocators map[string]*Allocator) *Collector {
	labels := []string{"allocator"}

	return &Collector{
		allocators: allocators,

		regions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "regions"),
			"Number of backing regions currently mapped.",
			labels, nil),
		regionBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "region_bytes"),
			"Total size of the backing regions currently mapped.",
			labels, nil),
		allocations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "allocations"),
			"Number of live allocations.",
			labels, nil),
		allocationBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "allocation_bytes"),
			"Bytes carved out for live allocations, including rounding.",
			labels, nil),
		unusedRanges: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "unused_ranges"),
			"Number of distinct free ranges.",
			labels, nil),
		growths: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "growths_total"),
			"Number of backing regions acquired.",
			labels, nil),
		growthFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "heap", "growth_failures_total"),
			"Number of times a backing region could not be acquired or mapped.",
			labels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.regions
	ch <- c.regionBytes
	ch <- c.allocations
	ch <- c.allocationBytes
	ch <- c.unusedRanges
	ch <- c.growths
	ch <- c.growthFailures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, allocator := range c.allocators {
		stats := allocator.DetailedStatistics()

		ch <- prometheus.MustNewConstMetric(c.regions, prometheus.GaugeValue, float64(stats.RegionCount), name)
		ch <- prometheus.MustNewConstMetric(c.regionBytes, prometheus.GaugeValue, float64(stats.RegionBytes), name)
		ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(stats.AllocationCount), name)
		ch <- prometheus.MustNewConstMetric(c.allocationBytes, prometheus.GaugeValue, float64(stats.AllocationBytes), name)
		ch <- prometheus.MustNewConstMetric(c.unusedRanges, prometheus.GaugeValue, float64(stats.UnusedRangeCount), name)
		ch <- prometheus.MustNewConstMetric(c.growths, prometheus.CounterValue, float64(allocator.Growths()), name)
		ch <- prometheus.MustNewConstMetric(c.growthFailures, prometheus.CounterValue, float64(allocator.GrowthFailures()), name)
	}
}
