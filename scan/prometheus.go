package scan

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes the counters of a plan as prometheus metrics,
// labeled with the scan id. Register it to observe a long-running scan:
//
//	prometheus.MustRegister(scan.NewMetricsCollector(plan))
//
// Collection reads a snapshot; it never blocks the scan.
type MetricsCollector struct {
	plan *Plan

	bytesScanned    *prometheus.Desc
	ioSeconds       *prometheus.Desc
	rowsProduced    *prometheus.Desc
	predicateErrors *prometheus.Desc
	filesSkipped    *prometheus.Desc
	cacheHits       *prometheus.Desc
	cacheMisses     *prometheus.Desc
	cacheEvictions  *prometheus.Desc
	computeSeconds  *prometheus.Desc
}

// NewMetricsCollector constructs a collector over the metrics of the plan.
func NewMetricsCollector(plan *Plan) *MetricsCollector {
	labels := prometheus.Labels{"scan_id": plan.ScanID().String()}
	return &MetricsCollector{
		plan: plan,
		bytesScanned: prometheus.NewDesc("blaze_scan_bytes_scanned_total",
			"Bytes requested from storage by the scan.", nil, labels),
		ioSeconds: prometheus.NewDesc("blaze_scan_io_seconds_total",
			"Wall time spent waiting on storage reads.", nil, labels),
		rowsProduced: prometheus.NewDesc("blaze_scan_rows_produced_total",
			"Rows emitted by the scan.", nil, labels),
		predicateErrors: prometheus.NewDesc("blaze_scan_predicate_errors_total",
			"Pruning predicates that failed to build and were disabled.", nil, labels),
		filesSkipped: prometheus.NewDesc("blaze_scan_files_skipped_total",
			"Corrupted files skipped by the scan.", nil, labels),
		cacheHits: prometheus.NewDesc("blaze_scan_footer_cache_hits_total",
			"Footer cache hits.", nil, labels),
		cacheMisses: prometheus.NewDesc("blaze_scan_footer_cache_misses_total",
			"Footer cache misses.", nil, labels),
		cacheEvictions: prometheus.NewDesc("blaze_scan_footer_cache_evictions_total",
			"Footer cache evictions.", nil, labels),
		computeSeconds: prometheus.NewDesc("blaze_scan_compute_seconds_total",
			"Time spent computing batches, per partition.", []string{"partition"}, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesScanned
	ch <- c.ioSeconds
	ch <- c.rowsProduced
	ch <- c.predicateErrors
	ch <- c.filesSkipped
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.computeSeconds
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.plan.Metrics()
	counter := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, value, labels...)
	}
	counter(c.bytesScanned, float64(s.BytesScanned))
	counter(c.ioSeconds, s.IOTime.Seconds())
	counter(c.rowsProduced, float64(s.RowsProduced))
	counter(c.predicateErrors, float64(s.PredicateCreationErrors))
	counter(c.filesSkipped, float64(s.FilesSkipped))
	counter(c.cacheHits, float64(s.FooterCacheHits))
	counter(c.cacheMisses, float64(s.FooterCacheMisses))
	counter(c.cacheEvictions, float64(s.FooterCacheEvictions))
	for partition, elapsed := range s.ElapsedCompute {
		counter(c.computeSeconds, elapsed.Seconds(), strconv.Itoa(partition))
	}
}

var (
	_ prometheus.Collector = (*MetricsCollector)(nil)
)
