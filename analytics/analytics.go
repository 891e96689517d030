// Package analytics records every cache operation and derives health
// signals from a bounded recent window. It is strictly read-only with
// respect to the cache: operators consume its output through the admin
// surface, and the stores feed it on every call.
package analytics

import (
	"sort"
	"time"

	"sync"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type Operation string

const (
	OpHit    Operation = "hit"
	OpMiss   Operation = "miss"
	OpSet    Operation = "set"
	OpDelete Operation = "delete"
	OpError  Operation = "error"
)

// Record is one observed cache operation.
type Record struct {
	Key       string        `json:"key"`
	Op        Operation     `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

type Config struct {
	// Number of records kept in the ring buffer.
	WindowSize int `yaml:"window_size"`

	// Latency above which an operation counts as slow.
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

const (
	DefaultWindowSize    = 4096
	DefaultSlowThreshold = 100 * time.Millisecond
)

// Summary is the aggregate view served by the admin health action.
type Summary struct {
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Sets        int64         `json:"sets"`
	Deletes     int64         `json:"deletes"`
	Errors      int64         `json:"errors"`
	HitRate     float64       `json:"hit_rate"`
	ErrorRate   float64       `json:"error_rate"`
	MeanLatency time.Duration `json:"mean_latency"`
	HealthScore int           `json:"health_score"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
}

// KeyCount ranks a key by how often it appeared in the window.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Recorder struct {
	mu      sync.RWMutex
	records []Record
	next    int
	filled  bool

	slowThreshold time.Duration
	clock         clock.Clock
	logger        *zap.SugaredLogger
	metrics       *Metrics
}

func NewRecorder(config Config, logger *zap.SugaredLogger) *Recorder {
	return newRecorderWithClock(config, clock.New(), logger)
}

func newRecorderWithClock(config Config, clk clock.Clock, logger *zap.SugaredLogger) *Recorder {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	slowThreshold := config.SlowThreshold
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowThreshold
	}
	return &Recorder{
		records:       make([]Record, windowSize),
		slowThreshold: slowThreshold,
		clock:         clk,
		logger:        logger,
	}
}

// SetMetrics attaches a prometheus exporter. Optional; nil disables it.
func (r *Recorder) SetMetrics(metrics *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
}

// Record appends one operation to the window, evicting the oldest record
// once the ring is full.
func (r *Recorder) Record(key string, op Operation, latency time.Duration) {
	r.mu.Lock()
	r.records[r.next] = Record{
		Key:       key,
		Op:        op,
		Latency:   latency,
		Timestamp: r.clock.Now(),
	}
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.filled = true
	}
	metrics := r.metrics
	r.mu.Unlock()

	if metrics != nil {
		metrics.observe(op, latency)
	}
}

// HealthScore condenses the window into 0..100: hit rate weighs 50,
// error rate 30, and latency 20. An empty window scores 100.
func (r *Recorder) HealthScore() int {
	return r.Summary().HealthScore
}

func (r *Recorder) Summary() Summary {
	window := r.window()

	var summary Summary
	var totalLatency time.Duration
	var reads int64
	for _, record := range window {
		switch record.Op {
		case OpHit:
			summary.Hits++
		case OpMiss:
			summary.Misses++
		case OpSet:
			summary.Sets++
		case OpDelete:
			summary.Deletes++
		case OpError:
			summary.Errors++
		}
		totalLatency += record.Latency
	}
	reads = summary.Hits + summary.Misses
	total := int64(len(window))

	if reads > 0 {
		summary.HitRate = float64(summary.Hits) / float64(reads)
	}
	if total > 0 {
		summary.ErrorRate = float64(summary.Errors) / float64(total)
		summary.MeanLatency = totalLatency / time.Duration(total)
		summary.WindowStart = window[0].Timestamp
		summary.WindowEnd = window[len(window)-1].Timestamp
	}

	if total == 0 {
		summary.HealthScore = 100
		return summary
	}

	hitComponent := summary.HitRate
	if reads == 0 {
		// Write-only traffic should not read as unhealthy.
		hitComponent = 1.0
	}
	latencyComponent := 1.0 - float64(summary.MeanLatency)/float64(r.slowThreshold)
	if latencyComponent < 0 {
		latencyComponent = 0
	}
	score := hitComponent*50 + (1.0-summary.ErrorRate)*30 + latencyComponent*20
	summary.HealthScore = int(score + 0.5)
	return summary
}

// Recommendations returns threshold-triggered advisories for operators.
func (r *Recorder) Recommendations() []string {
	summary := r.Summary()
	recommendations := []string{}

	reads := summary.Hits + summary.Misses
	if reads > 0 && summary.HitRate < 0.5 {
		advisory := "hit rate below 50%: consider prewarming hot keys"
		if top := r.TopKeys(1); len(top) > 0 {
			advisory = "hit rate below 50%: consider prewarming key pattern " + top[0].Key
		}
		recommendations = append(recommendations, advisory)
	}
	if summary.ErrorRate > 0.1 {
		recommendations = append(recommendations,
			"error rate above 10%: check remote backend connectivity and circuit breaker state")
	}
	if summary.MeanLatency > r.slowThreshold {
		recommendations = append(recommendations,
			"mean latency above slow threshold: consider enabling compression or a closer backend")
	}
	return recommendations
}

// TopKeys ranks the most frequently touched keys in the window.
func (r *Recorder) TopKeys(n int) []KeyCount {
	counts := make(map[string]int)
	for _, record := range r.window() {
		counts[record.Key]++
	}

	ranked := make([]KeyCount, 0, len(counts))
	for key, count := range counts {
		ranked = append(ranked, KeyCount{Key: key, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Key < ranked[j].Key
	})

	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// SlowOperations returns window records at or above the threshold,
// slowest first. A zero threshold uses the configured default.
func (r *Recorder) SlowOperations(threshold time.Duration) []Record {
	if threshold <= 0 {
		threshold = r.slowThreshold
	}

	slow := []Record{}
	for _, record := range r.window() {
		if record.Latency >= threshold {
			slow = append(slow, record)
		}
	}
	sort.Slice(slow, func(i, j int) bool { return slow[i].Latency > slow[j].Latency })
	return slow
}

// ErrorOperations returns window records with the error operation, newest
// first.
func (r *Recorder) ErrorOperations() []Record {
	failed := []Record{}
	for _, record := range r.window() {
		if record.Op == OpError {
			failed = append(failed, record)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].Timestamp.After(failed[j].Timestamp)
	})
	return failed
}

// Reset clears the whole window.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		r.records[i] = Record{}
	}
	r.next = 0
	r.filled = false
}

type exportSnapshot struct {
	ExportedAt      time.Time `json:"exported_at"`
	Summary         Summary   `json:"summary"`
	Recommendations []string  `json:"recommendations"`
	TopKeys         []KeyCount `json:"top_keys"`
	Records         []Record  `json:"records"`
}

// Export serializes the window and its derived views for offline
// inspection.
func (r *Recorder) Export() ([]byte, error) {
	snapshot := exportSnapshot{
		ExportedAt:      r.clock.Now(),
		Summary:         r.Summary(),
		Recommendations: r.Recommendations(),
		TopKeys:         r.TopKeys(10),
		Records:         r.window(),
	}
	return json.Marshal(snapshot)
}

// window copies the ring in chronological order.
func (r *Recorder) window() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.filled {
		out := make([]Record, r.next)
		copy(out, r.records[:r.next])
		return out
	}

	out := make([]Record, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}
