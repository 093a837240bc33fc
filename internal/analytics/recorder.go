package analytics

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"fleet-tracker/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder accumulates delivery outcomes. It is purely observational.
type Recorder struct {
	mu           sync.Mutex
	metrics      models.QueueMetrics
	totalLatency time.Duration

	deliveries  *prometheus.CounterVec
	failures    *prometheus.CounterVec
	deadLetters prometheus.Counter
	latency     prometheus.Histogram
}

// NewRecorder creates a recorder. When reg is non-nil the counters are also
// exported as Prometheus collectors.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		metrics: emptyMetrics(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_queue_deliveries_total",
			Help: "Queue delivery attempts by result",
		}, []string{"result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_queue_failures_total",
			Help: "Failed delivery attempts by error class and retry count",
		}, []string{"error_class", "retry"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_queue_dead_letters_total",
			Help: "Items moved to the dead letter collection",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_queue_delivery_seconds",
			Help:    "Successful delivery latency from send start to ack",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(r.deliveries, r.failures, r.deadLetters, r.latency)
	}
	return r
}

// RecordSuccess counts an acknowledged delivery and its latency
func (r *Recorder) RecordSuccess(latency time.Duration) {
	r.mu.Lock()
	r.metrics.TotalProcessed++
	r.metrics.SuccessCount++
	r.totalLatency += latency
	r.metrics.AverageLatency = r.totalLatency / time.Duration(r.metrics.SuccessCount)
	r.mu.Unlock()

	r.deliveries.WithLabelValues("success").Inc()
	r.latency.Observe(latency.Seconds())
}

// RecordFailure counts a failed attempt
func (r *Recorder) RecordFailure(retryCount int, errorClass string) {
	r.mu.Lock()
	r.metrics.TotalProcessed++
	r.metrics.FailureCount++
	r.metrics.RetryCounts[retryCount]++
	r.metrics.ErrorTypes[errorClass]++
	r.mu.Unlock()

	r.deliveries.WithLabelValues("failure").Inc()
	r.failures.WithLabelValues(errorClass, strconv.Itoa(retryCount)).Inc()
}

// RecordDeadLetter counts an item leaving the active queue for good
func (r *Recorder) RecordDeadLetter() {
	r.mu.Lock()
	r.metrics.DeadLettered++
	r.mu.Unlock()

	r.deadLetters.Inc()
}

// Metrics returns a snapshot of the counters
func (r *Recorder) Metrics() models.QueueMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.metrics
	out.RetryCounts = make(map[int]int64, len(r.metrics.RetryCounts))
	for k, v := range r.metrics.RetryCounts {
		out.RetryCounts[k] = v
	}
	out.ErrorTypes = make(map[string]int64, len(r.metrics.ErrorTypes))
	for k, v := range r.metrics.ErrorTypes {
		out.ErrorTypes[k] = v
	}
	return out
}

// SuccessRate returns the percentage of processed attempts that succeeded
func (r *Recorder) SuccessRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metrics.TotalProcessed == 0 {
		return 0
	}
	return float64(r.metrics.SuccessCount) / float64(r.metrics.TotalProcessed) * 100
}

// MostCommonError returns the error class seen most often. Ties go to the
// lexically smallest class.
func (r *Recorder) MostCommonError() (string, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	classes := make([]string, 0, len(r.metrics.ErrorTypes))
	for k := range r.metrics.ErrorTypes {
		classes = append(classes, k)
	}
	if len(classes) == 0 {
		return "", 0, false
	}
	sort.Strings(classes)

	best := classes[0]
	for _, c := range classes[1:] {
		if r.metrics.ErrorTypes[c] > r.metrics.ErrorTypes[best] {
			best = c
		}
	}
	return best, r.metrics.ErrorTypes[best], true
}

// Reset clears the in-memory counters. Exported Prometheus counters are
// monotonic and keep their values.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = emptyMetrics()
	r.totalLatency = 0
}

func emptyMetrics() models.QueueMetrics {
	return models.QueueMetrics{
		RetryCounts: make(map[int]int64),
		ErrorTypes:  make(map[string]int64),
	}
}
