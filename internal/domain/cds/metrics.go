package cds

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics accumulates process-lifetime evaluation counters. All methods are
// safe for concurrent use; counters reset only on process restart. It also
// implements knowledge.Observer so lookup outcomes land in the same snapshot.
type Metrics struct {
	totalEvaluations int64
	cacheHits        int64
	cacheMisses      int64
	slowEvaluations  int64
	latencySumMicros int64

	mu      sync.RWMutex
	perHook map[HookCategory]*hookStats
	lookups map[string]int64
}

type hookStats struct {
	count     int64
	sumMicros int64
}

// NewMetrics creates an empty Metrics accumulator.
func NewMetrics() *Metrics {
	return &Metrics{
		perHook: make(map[HookCategory]*hookStats),
		lookups: make(map[string]int64),
	}
}

// RecordHit counts a cache-served evaluation.
func (m *Metrics) RecordHit(hook HookCategory, elapsed time.Duration) {
	atomic.AddInt64(&m.totalEvaluations, 1)
	atomic.AddInt64(&m.cacheHits, 1)
	m.recordLatency(hook, elapsed)
}

// RecordMiss counts a computed evaluation, flagging it as slow when the
// wall-clock time exceeded the threshold.
func (m *Metrics) RecordMiss(hook HookCategory, elapsed time.Duration, slow bool) {
	atomic.AddInt64(&m.totalEvaluations, 1)
	atomic.AddInt64(&m.cacheMisses, 1)
	if slow {
		atomic.AddInt64(&m.slowEvaluations, 1)
	}
	m.recordLatency(hook, elapsed)
}

func (m *Metrics) recordLatency(hook HookCategory, elapsed time.Duration) {
	micros := elapsed.Microseconds()
	atomic.AddInt64(&m.latencySumMicros, micros)

	m.mu.Lock()
	hs, ok := m.perHook[hook]
	if !ok {
		hs = &hookStats{}
		m.perHook[hook] = hs
	}
	hs.count++
	hs.sumMicros += micros
	m.mu.Unlock()
}

// ObserveLookup implements knowledge.Observer.
func (m *Metrics) ObserveLookup(outcome string, _ time.Duration) {
	m.mu.Lock()
	m.lookups[outcome]++
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// Snapshot is a read-only view of the metrics for health reporting.
type Snapshot struct {
	TotalEvaluations    int64              `json:"total_evaluations"`
	CacheHits           int64              `json:"cache_hits"`
	CacheMisses         int64              `json:"cache_misses"`
	CacheHitRate        float64            `json:"cache_hit_rate"`
	SlowEvaluationCount int64              `json:"slow_evaluation_count"`
	AvgLatencyMs        float64            `json:"avg_latency_ms"`
	PerHookAvgLatencyMs map[string]float64 `json:"per_hook_avg_latency_ms"`
	KnowledgeLookups    map[string]int64   `json:"knowledge_lookups"`
}

// Snapshot returns the current counters. Pure read, no side effects.
func (m *Metrics) Snapshot() Snapshot {
	total := atomic.LoadInt64(&m.totalEvaluations)
	hits := atomic.LoadInt64(&m.cacheHits)

	snap := Snapshot{
		TotalEvaluations:    total,
		CacheHits:           hits,
		CacheMisses:         atomic.LoadInt64(&m.cacheMisses),
		SlowEvaluationCount: atomic.LoadInt64(&m.slowEvaluations),
		PerHookAvgLatencyMs: make(map[string]float64),
		KnowledgeLookups:    make(map[string]int64),
	}
	if total > 0 {
		snap.CacheHitRate = float64(hits) / float64(total)
		snap.AvgLatencyMs = float64(atomic.LoadInt64(&m.latencySumMicros)) / float64(total) / 1000.0
	}

	m.mu.RLock()
	for hook, hs := range m.perHook {
		if hs.count > 0 {
			snap.PerHookAvgLatencyMs[string(hook)] = float64(hs.sumMicros) / float64(hs.count) / 1000.0
		}
	}
	for outcome, n := range m.lookups {
		snap.KnowledgeLookups[outcome] = n
	}
	m.mu.RUnlock()

	return snap
}
