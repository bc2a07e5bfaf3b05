package services

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/latestcomment/idea-bidding/internal/telemetry"
)

const (
	MetricWebSocketLatency    = "webSocketLatency"
	MetricCreditOperationTime = "creditOperationTime"
	MetricStageTransitionTime = "stageTransitionTime"
	MetricUserInteractionTime = "userInteractionTime"
	DefaultSamplerCapacity    = 100
)

var metricCategories = []string{
	MetricWebSocketLatency,
	MetricCreditOperationTime,
	MetricStageTransitionTime,
	MetricUserInteractionTime,
}

// MetricSummary is computed from the current window on every call.
type MetricSummary struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// ring keeps the most recent samples in a fixed-size circular buffer.
type ring struct {
	buf   []float64
	start int
	size  int
}

func (r *ring) push(v float64) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) values() []float64 {
	out := make([]float64, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// PerformanceSampler keeps a rolling window of latency samples (ms) per category.
type PerformanceSampler struct {
	mu       sync.Mutex
	capacity int
	series   map[string]*ring
	hists    map[string]metric.Float64Histogram
}

func NewPerformanceSampler(capacity int) *PerformanceSampler {
	if capacity <= 0 {
		capacity = DefaultSamplerCapacity
	}
	meter := telemetry.Meter("bidding/sampler")
	s := &PerformanceSampler{
		capacity: capacity,
		series:   make(map[string]*ring, len(metricCategories)),
		hists:    make(map[string]metric.Float64Histogram, len(metricCategories)),
	}
	for _, c := range metricCategories {
		s.series[c] = &ring{buf: make([]float64, capacity)}
		if h, err := meter.Float64Histogram("bidding."+c, metric.WithUnit("ms")); err == nil {
			s.hists[c] = h
		}
	}
	return s
}

// Record appends a sample to category, dropping the oldest sample once full.
// Unknown categories get their own series.
func (s *PerformanceSampler) Record(category string, ms float64) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return
	}
	s.mu.Lock()
	r, ok := s.series[category]
	if !ok {
		r = &ring{buf: make([]float64, s.capacity)}
		s.series[category] = r
	}
	r.push(ms)
	h := s.hists[category]
	s.mu.Unlock()

	if h != nil {
		h.Record(context.Background(), ms)
	}
}

func (s *PerformanceSampler) RecordWebSocketLatency(ms float64)    { s.Record(MetricWebSocketLatency, ms) }
func (s *PerformanceSampler) RecordCreditOperationTime(ms float64) { s.Record(MetricCreditOperationTime, ms) }
func (s *PerformanceSampler) RecordStageTransitionTime(ms float64) { s.Record(MetricStageTransitionTime, ms) }
func (s *PerformanceSampler) RecordUserInteractionTime(ms float64) { s.Record(MetricUserInteractionTime, ms) }

// Series returns a copy of the current window in insertion order.
func (s *PerformanceSampler) Series(category string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.series[category]
	if !ok {
		return nil
	}
	return r.values()
}

// GetMetricsSummary returns a summary per category; categories with no samples map to nil.
func (s *PerformanceSampler) GetMetricsSummary() map[string]*MetricSummary {
	s.mu.Lock()
	snapshot := make(map[string][]float64, len(s.series))
	for c, r := range s.series {
		snapshot[c] = r.values()
	}
	s.mu.Unlock()

	out := make(map[string]*MetricSummary, len(snapshot))
	for c, values := range snapshot {
		out[c] = summarize(values)
	}
	return out
}

func summarize(values []float64) *MetricSummary {
	n := len(values)
	if n == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return &MetricSummary{
		Count: n,
		Avg:   sum / float64(n),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Min:   sorted[0],
		Max:   sorted[n-1],
	}
}

// percentile expects ascending input and uses index floor(n*p), clamped to the last element.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
