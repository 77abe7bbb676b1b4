package pmm

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports allocator statistics as prometheus metrics.
type Collector struct {
	alloc *Allocator

	totalDesc    *prometheus.Desc
	freeDesc     *prometheus.Desc
	allocDesc    *prometheus.Desc
	stealsDesc   *prometheus.Desc
	failuresDesc *prometheus.Desc
}

// NewCollector returns a prometheus.Collector for the given allocator.
func NewCollector(alloc *Allocator) *Collector {
	return &Collector{
		alloc: alloc,
		totalDesc: prometheus.NewDesc(
			"pmm_managed_frames",
			"Number of physical frames managed by the page allocator.",
			nil, nil,
		),
		freeDesc: prometheus.NewDesc(
			"pmm_free_frames",
			"Number of frames on the free list of a core.",
			[]string{"cpu"}, nil,
		),
		allocDesc: prometheus.NewDesc(
			"pmm_allocated_frames",
			"Number of frames with a non-zero share count.",
			nil, nil,
		),
		stealsDesc: prometheus.NewDesc(
			"pmm_steals_total",
			"Number of frames taken from the free list of another core.",
			nil, nil,
		),
		failuresDesc: prometheus.NewDesc(
			"pmm_alloc_failures_total",
			"Number of allocation requests that found no free frame.",
			nil, nil,
		),
	}
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.freeDesc
	ch <- c.allocDesc
	ch <- c.stealsDesc
	ch <- c.failuresDesc
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.alloc.Stats()

	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(st.TotalFrames))
	for cpu, free := range st.FreeFrames {
		ch <- prometheus.MustNewConstMetric(c.freeDesc, prometheus.GaugeValue, float64(free), strconv.Itoa(cpu))
	}
	ch <- prometheus.MustNewConstMetric(c.allocDesc, prometheus.GaugeValue, float64(st.AllocatedFrames))
	ch <- prometheus.MustNewConstMetric(c.stealsDesc, prometheus.CounterValue, float64(st.Steals))
	ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, float64(st.AllocFailures))
}
