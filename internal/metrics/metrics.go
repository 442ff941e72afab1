package metrics

import (
	"sync"
	"time"

	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "inference_duration_seconds",
		Help: "Duration of inference steps",
	})

	PrefillDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "prefill_duration_seconds",
		Help: "Duration of prompt prefill passes",
	})

	PoolCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_capacity_bytes",
		Help: "Configured capacity of the scratch memory pool",
	})

	PoolUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_used_bytes",
		Help: "Current bytes held by outstanding pool buffers",
	})

	PoolExhaustions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_exhaustions_total",
		Help: "Total number of allocations rejected at capacity",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Current bytes used by KV caches",
	})

	KVCacheAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_appends_total",
		Help: "Total number of KV cache append operations",
	})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_evictions_total",
		Help: "Total number of sliding-window KV cache evictions",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000},
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Number of sessions currently decoding",
	})

	SessionsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_queued",
		Help: "Number of sessions waiting for pool capacity",
	})

	SchedulerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_rejections_total",
		Help: "Total number of requests rejected with a full queue",
	})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	InferenceDuration.Observe(duration.Seconds())
}

func RecordPrefill(tokens int, duration time.Duration) {
	ContextLengthHistogram.Observe(float64(tokens))
	PrefillDuration.Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

// Collector aggregates per-process counters for callers that want a
// point-in-time snapshot without scraping the Prometheus registry.
// The zero value is ready to use; pass one instance to every component
// that should report into the same snapshot.
type Collector struct {
	// mu orders multi-field reports against Reset and Snapshot: reports
	// hold it shared, Reset exclusively, so a step's fields are never
	// half-wiped and a snapshot never straddles a reset.
	mu sync.RWMutex

	tokensGenerated     atomic.Int64
	promptTokens        atomic.Int64
	stepNanos           atomic.Int64
	steps               atomic.Int64
	kvAppends           atomic.Int64
	kvEvictions         atomic.Int64
	poolRejections      atomic.Int64
	sessionsCompleted   atomic.Int64
	sessionsFailed      atomic.Int64
	sessionsCancelled   atomic.Int64
	instabilityDetected atomic.Int64
}

// Snapshot is a consistent-enough copy of all counters: each field is
// read atomically, so the struct never contains torn values even while
// sessions keep recording.
type Snapshot struct {
	TokensGenerated     int64
	PromptTokens        int64
	Steps               int64
	StepTime            time.Duration
	KVAppends           int64
	KVEvictions         int64
	PoolRejections      int64
	SessionsCompleted   int64
	SessionsFailed      int64
	SessionsCancelled   int64
	InstabilityDetected int64
}

// TokensPerSecond derives decode throughput from the snapshot.
func (s Snapshot) TokensPerSecond() float64 {
	if s.StepTime <= 0 {
		return 0
	}
	return float64(s.TokensGenerated) / s.StepTime.Seconds()
}

func (c *Collector) RecordStep(duration time.Duration) {
	c.mu.RLock()
	c.tokensGenerated.Add(1)
	c.steps.Add(1)
	c.stepNanos.Add(int64(duration))
	c.mu.RUnlock()
	RecordInference(1, duration)
}

func (c *Collector) RecordPrompt(tokens int) {
	c.promptTokens.Add(int64(tokens))
}

func (c *Collector) RecordKVAppend(n int) {
	c.kvAppends.Add(int64(n))
	KVCacheAppends.Add(float64(n))
}

func (c *Collector) RecordKVEviction(n int) {
	c.kvEvictions.Add(int64(n))
	KVCacheEvictions.Add(float64(n))
}

func (c *Collector) RecordPoolRejection() {
	c.poolRejections.Add(1)
}

func (c *Collector) RecordInstability(tensor string, nanCount, infCount int) {
	c.instabilityDetected.Add(1)
	RecordNumericalInstability(tensor, nanCount, infCount)
}

// RecordSessionEnd classifies a finished session by its terminal state.
func (c *Collector) RecordSessionEnd(outcome string) {
	switch outcome {
	case "completed", "stopped":
		c.sessionsCompleted.Add(1)
	case "cancelled":
		c.sessionsCancelled.Add(1)
	case "failed":
		c.sessionsFailed.Add(1)
	}
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		TokensGenerated:     c.tokensGenerated.Load(),
		PromptTokens:        c.promptTokens.Load(),
		Steps:               c.steps.Load(),
		StepTime:            time.Duration(c.stepNanos.Load()),
		KVAppends:           c.kvAppends.Load(),
		KVEvictions:         c.kvEvictions.Load(),
		PoolRejections:      c.poolRejections.Load(),
		SessionsCompleted:   c.sessionsCompleted.Load(),
		SessionsFailed:      c.sessionsFailed.Load(),
		SessionsCancelled:   c.sessionsCancelled.Load(),
		InstabilityDetected: c.instabilityDetected.Load(),
	}
}

// Reset zeroes the collector's counters atomically with respect to
// concurrent reports: an in-flight RecordStep either lands entirely
// before the reset or entirely after it. The process-wide Prometheus
// series are cumulative and are left alone.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokensGenerated.Store(0)
	c.promptTokens.Store(0)
	c.steps.Store(0)
	c.stepNanos.Store(0)
	c.kvAppends.Store(0)
	c.kvEvictions.Store(0)
	c.poolRejections.Store(0)
	c.sessionsCompleted.Store(0)
	c.sessionsFailed.Store(0)
	c.sessionsCancelled.Store(0)
	c.instabilityDetected.Store(0)
}
