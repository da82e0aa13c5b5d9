// Package metrics records sync and load metrics for Singer connectors.
//
// Every measurement goes to two places: a Prometheus collector registered
// with promauto, and a Singer metric log line written through zap:
//
//	METRIC: {"type": "counter", "metric": "record_count", "value": 120, "tags": {"stream": "users"}}
//
// Counters emit a line at most once per log interval and once more when
// closed. Timers emit a single line when stopped.
//
// # Basic Usage
//
//	m := metrics.New(logger, time.Minute)
//	counter := m.RecordCounter("users", nil)
//	defer counter.Close()
//	for record := range records {
//	    counter.Increment(1)
//	}
//
//	timer := m.SyncTimer("users", nil)
//	err := sync()
//	timer.Stop(metrics.Status(err))
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// Singer metric names.
const (
	RecordCountMetric         = "record_count"
	BatchCountMetric          = "batch_count"
	SyncDurationMetric        = "sync_duration"
	BatchProcessingTimeMetric = "batch_processing_time"
)

// Singer metric types.
const (
	CounterType = "counter"
	TimerType   = "timer"
)

// Tag names.
const (
	StreamTag  = "stream"
	ContextTag = "context"
	StatusTag  = "status"
)

// Status values for timers.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// DefaultLogInterval is how often counters log when no interval is configured.
const DefaultLogInterval = 60 * time.Second

var (
	// RecordsTotal counts records synced by taps and loaded by targets.
	// Labels: stream, status
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "singer",
			Name:      "record_count",
			Help:      "Total number of records processed",
		},
		[]string{"stream", "status"},
	)

	// BatchesTotal counts BATCH files written and target flushes.
	// Labels: stream, status
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "singer",
			Name:      "batch_count",
			Help:      "Total number of batches processed",
		},
		[]string{"stream", "status"},
	)

	// SyncDuration observes how long each stream sync took.
	// Labels: stream, status
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "singer",
			Name:      "sync_duration_seconds",
			Help:      "Stream sync duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
		[]string{"stream", "status"},
	)

	// BatchProcessingTime observes how long each target flush took.
	// Labels: stream, status
	BatchProcessingTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "singer",
			Name:      "batch_processing_seconds",
			Help:      "Batch processing duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"stream", "status"},
	)
)

// Point is a single Singer metric measurement.
type Point struct {
	Type   string                 `json:"type"`
	Metric string                 `json:"metric"`
	Value  interface{}            `json:"value"`
	Tags   map[string]interface{} `json:"tags,omitempty"`
}

// Metrics creates counters and timers that share a logger and log interval.
type Metrics struct {
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// New returns a Metrics writing METRIC lines to logger. A non-positive
// interval uses DefaultLogInterval.
func New(logger *zap.Logger, interval time.Duration) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultLogInterval
	}
	return &Metrics{logger: logger, interval: interval, now: time.Now}
}

// Emit writes one METRIC line.
func (m *Metrics) Emit(p Point) {
	data, err := jsonpool.Marshal(p)
	if err != nil {
		m.logger.Warn("failed to encode metric", zap.String("metric", p.Metric), zap.Error(err))
		return
	}
	m.logger.Info("METRIC: " + string(data))
}

// RecordCounter counts records of a stream. partition is the state
// partition context, if any.
func (m *Metrics) RecordCounter(stream string, partition map[string]interface{}) *Counter {
	return m.newCounter(RecordCountMetric, RecordsTotal.WithLabelValues(stream, StatusSucceeded), streamTags(stream, partition))
}

// BatchCounter counts batches of a stream.
func (m *Metrics) BatchCounter(stream string, partition map[string]interface{}) *Counter {
	return m.newCounter(BatchCountMetric, BatchesTotal.WithLabelValues(stream, StatusSucceeded), streamTags(stream, partition))
}

// SyncTimer times a stream sync.
func (m *Metrics) SyncTimer(stream string, partition map[string]interface{}) *Timer {
	return m.newTimer(SyncDurationMetric, SyncDuration, stream, streamTags(stream, partition))
}

// BatchTimer times a target flush.
func (m *Metrics) BatchTimer(stream string) *Timer {
	return m.newTimer(BatchProcessingTimeMetric, BatchProcessingTime, stream, streamTags(stream, nil))
}

func streamTags(stream string, partition map[string]interface{}) map[string]interface{} {
	tags := map[string]interface{}{StreamTag: stream}
	if len(partition) > 0 {
		tags[ContextTag] = partition
	}
	return tags
}

func (m *Metrics) newCounter(metric string, prom prometheus.Counter, tags map[string]interface{}) *Counter {
	return &Counter{metrics: m, metric: metric, prom: prom, tags: tags, lastLog: m.now()}
}

func (m *Metrics) newTimer(metric string, vec *prometheus.HistogramVec, stream string, tags map[string]interface{}) *Timer {
	return &Timer{metrics: m, metric: metric, vec: vec, stream: stream, tags: tags, start: m.now()}
}

// Counter is a Singer counter metric.
type Counter struct {
	metrics *Metrics
	metric  string
	prom    prometheus.Counter
	tags    map[string]interface{}

	mu      sync.Mutex
	value   int64
	lastLog time.Time
	closed  bool
}

// Increment adds n to the counter, logging when the interval has elapsed.
func (c *Counter) Increment(n int) {
	c.prom.Add(float64(n))

	c.mu.Lock()
	c.value += int64(n)
	var point *Point
	if now := c.metrics.now(); now.Sub(c.lastLog) >= c.metrics.interval {
		point = c.point()
		c.lastLog = now
	}
	c.mu.Unlock()

	if point != nil {
		c.metrics.Emit(*point)
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Close logs the final value. Later calls do nothing.
func (c *Counter) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	point := c.point()
	c.mu.Unlock()
	c.metrics.Emit(*point)
}

func (c *Counter) point() *Point {
	return &Point{Type: CounterType, Metric: c.metric, Value: c.value, Tags: c.tags}
}

// Timer is a Singer timer metric.
type Timer struct {
	metrics *Metrics
	metric  string
	vec     *prometheus.HistogramVec
	stream  string
	tags    map[string]interface{}
	start   time.Time
}

// Stop logs the elapsed seconds with the given status and returns the
// elapsed duration.
func (t *Timer) Stop(status string) time.Duration {
	elapsed := t.metrics.now().Sub(t.start)
	t.vec.WithLabelValues(t.stream, status).Observe(elapsed.Seconds())

	tags := make(map[string]interface{}, len(t.tags)+1)
	for k, v := range t.tags {
		tags[k] = v
	}
	tags[StatusTag] = status
	t.metrics.Emit(Point{Type: TimerType, Metric: t.metric, Value: elapsed.Seconds(), Tags: tags})
	return elapsed
}

// Status maps an error to a timer status.
func Status(err error) string {
	if err != nil {
		return StatusFailed
	}
	return StatusSucceeded
}

