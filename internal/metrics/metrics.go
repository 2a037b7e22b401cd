package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Filtering metrics
	recordsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefbatch_records_scanned_total",
			Help: "Raw records scanned during index filtering",
		},
		[]string{"pipeline", "decision"}, // decision: "accepted"/"rejected"
	)

	filterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prefbatch_filter_duration_seconds",
			Help:    "Duration of the full index-filtering scan",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"pipeline"},
	)

	// Sample metrics
	samplesPreprocessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefbatch_samples_preprocessed_total",
			Help: "Samples preprocessed by indexed access",
		},
		[]string{"pipeline", "status"}, // status: "success"/"error"
	)

	// Collation metrics
	collateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prefbatch_collate_duration_seconds",
			Help:    "Batch collation duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"pipeline"},
	)

	collatedBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prefbatch_collated_batch_size",
			Help:    "Number of input samples per collated batch (pre-concatenation)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512
		},
		[]string{"pipeline"},
	)
)

// Collector provides convenience methods for recording pipeline metrics.
// A nil *Collector is safe to call; every method no-ops.
type Collector struct {
	pipeline string
	logger   *slog.Logger
}

// NewCollector creates a collector for one pipeline ("preference" or
// "safety-preference").
func NewCollector(pipeline string, logger *slog.Logger) *Collector {
	return &Collector{
		pipeline: pipeline,
		logger:   logger,
	}
}

// RecordScan counts one filtering decision.
func (c *Collector) RecordScan(accepted bool) {
	if c == nil {
		return
	}
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	recordsScanned.WithLabelValues(c.pipeline, decision).Inc()
}

// RecordFilterDuration records the duration of a full filtering scan.
func (c *Collector) RecordFilterDuration(d time.Duration) {
	if c == nil {
		return
	}
	filterDuration.WithLabelValues(c.pipeline).Observe(d.Seconds())
}

// RecordSample counts one preprocessed sample.
func (c *Collector) RecordSample(err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	samplesPreprocessed.WithLabelValues(c.pipeline, status).Inc()
}

// RecordCollate records one collation call.
func (c *Collector) RecordCollate(samples int, d time.Duration) {
	if c == nil {
		return
	}
	collateDuration.WithLabelValues(c.pipeline).Observe(d.Seconds())
	collatedBatchSize.WithLabelValues(c.pipeline).Observe(float64(samples))
}
