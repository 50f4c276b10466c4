package cds

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordMiss(HookPatientView, 10*time.Millisecond, false)
	m.RecordMiss(HookPatientView, 3*time.Second, true)
	m.RecordHit(HookMedicationPrescribe, time.Millisecond)

	snap := m.Snapshot()
	if snap.TotalEvaluations != 3 {
		t.Errorf("total = %d, want 3", snap.TotalEvaluations)
	}
	if snap.CacheHits != 1 || snap.CacheMisses != 2 {
		t.Errorf("hits/misses = %d/%d, want 1/2", snap.CacheHits, snap.CacheMisses)
	}
	if snap.SlowEvaluationCount != 1 {
		t.Errorf("slow = %d, want 1", snap.SlowEvaluationCount)
	}
	wantRate := 1.0 / 3.0
	if snap.CacheHitRate < wantRate-0.001 || snap.CacheHitRate > wantRate+0.001 {
		t.Errorf("hit rate = %f, want %f", snap.CacheHitRate, wantRate)
	}
	if snap.AvgLatencyMs <= 0 {
		t.Error("average latency should be positive")
	}
	if _, ok := snap.PerHookAvgLatencyMs["patient-view"]; !ok {
		t.Error("expected per-hook latency for patient-view")
	}
}

func TestMetricsEmptySnapshot(t *testing.T) {
	snap := NewMetrics().Snapshot()
	if snap.CacheHitRate != 0 || snap.AvgLatencyMs != 0 {
		t.Errorf("empty snapshot should have zero rates, got %+v", snap)
	}
}

func TestMetricsObserveLookup(t *testing.T) {
	m := NewMetrics()
	m.ObserveLookup("hit", 0)
	m.ObserveLookup("miss", 0)
	m.ObserveLookup("miss", 0)
	m.ObserveLookup("fallback", 0)

	snap := m.Snapshot()
	if snap.KnowledgeLookups["hit"] != 1 || snap.KnowledgeLookups["miss"] != 2 || snap.KnowledgeLookups["fallback"] != 1 {
		t.Errorf("unexpected lookup counts: %v", snap.KnowledgeLookups)
	}
}

func TestMetricsConcurrentAccess(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordMiss(HookPatientView, time.Millisecond, false)
				m.RecordHit(HookOrderSign, time.Millisecond)
				m.ObserveLookup("hit", 0)
				_ = m.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.TotalEvaluations != 2000 {
		t.Errorf("total = %d, want 2000", snap.TotalEvaluations)
	}
	if snap.KnowledgeLookups["hit"] != 1000 {
		t.Errorf("lookups = %d, want 1000", snap.KnowledgeLookups["hit"])
	}
}
