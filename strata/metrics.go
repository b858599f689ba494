package strata

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScanMetrics records what a FileStream emits, poll by poll.
//
// The collectors are created unregistered so one ScanMetrics can live per
// stream; hosts that want scrape visibility attach it to a registry via
// the prometheus.Collector implementation. A nil *ScanMetrics is valid and
// records nothing.
type ScanMetrics struct {
	batches      prometheus.Counter
	rows         prometheus.Counter
	openErrors   prometheus.Counter
	decodeErrors prometheus.Counter
	limitHits    prometheus.Counter
	pollSeconds  prometheus.Histogram
}

// NewScanMetrics creates a metrics handle with the given constant labels
// (for example {"partition": "3"}). Labels may be nil.
func NewScanMetrics(constLabels prometheus.Labels) *ScanMetrics {
	return &ScanMetrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "strata_scan_batches_total",
			Help:        "Record batches emitted by the scan stream.",
			ConstLabels: constLabels,
		}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "strata_scan_rows_total",
			Help:        "Rows emitted by the scan stream.",
			ConstLabels: constLabels,
		}),
		openErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "strata_scan_open_errors_total",
			Help:        "Files that failed to open.",
			ConstLabels: constLabels,
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "strata_scan_decode_errors_total",
			Help:        "Files that failed while being decoded.",
			ConstLabels: constLabels,
		}),
		limitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "strata_scan_limit_truncations_total",
			Help:        "Batches truncated by the global row limit.",
			ConstLabels: constLabels,
		}),
		pollSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "strata_scan_poll_duration_seconds",
			Help:        "Time spent per Next call on the scan stream.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(100e-6, 4, 10),
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *ScanMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.batches.Describe(ch)
	m.rows.Describe(ch)
	m.openErrors.Describe(ch)
	m.decodeErrors.Describe(ch)
	m.limitHits.Describe(ch)
	m.pollSeconds.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *ScanMetrics) Collect(ch chan<- prometheus.Metric) {
	m.batches.Collect(ch)
	m.rows.Collect(ch)
	m.openErrors.Collect(ch)
	m.decodeErrors.Collect(ch)
	m.limitHits.Collect(ch)
	m.pollSeconds.Collect(ch)
}

func (m *ScanMetrics) observeBatch(rows int64) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.rows.Add(float64(rows))
}

func (m *ScanMetrics) observeOpenError() {
	if m == nil {
		return
	}
	m.openErrors.Inc()
}

func (m *ScanMetrics) observeDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *ScanMetrics) observeLimit() {
	if m == nil {
		return
	}
	m.limitHits.Inc()
}

func (m *ScanMetrics) observePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollSeconds.Observe(d.Seconds())
}
