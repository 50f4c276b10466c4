package cds

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cds/internal/platform/cache"
	"github.com/ehr/cds/internal/platform/knowledge"
)

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// InteractionChecker is the engine's view of the knowledge client. It never
// returns an error: upstream failures degrade to fewer interactions.
type InteractionChecker interface {
	CheckMultiple(ctx context.Context, drugs []knowledge.Drug) []knowledge.Interaction
}

// Hook-specific evaluation TTLs. Active-modification hooks expire quickly so
// a just-changed medication list is re-evaluated; passive-view hooks tolerate
// staler results.
var defaultHookTTLs = map[HookCategory]time.Duration{
	HookMedicationPrescribe: time.Minute,
	HookOrderSign:           time.Minute,
	HookOrderSelect:         time.Minute,
	HookPatientView:         5 * time.Minute,
	HookEncounterStart:      3 * time.Minute,
	HookEncounterDischarge:  3 * time.Minute,
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSlowThreshold sets the wall-clock duration beyond which an evaluation
// counts as slow.
func WithSlowThreshold(d time.Duration) EngineOption {
	return func(e *Engine) { e.slowThreshold = d }
}

// WithHookTTL overrides the evaluation cache TTL for one hook category.
func WithHookTTL(hook HookCategory, ttl time.Duration) EngineOption {
	return func(e *Engine) { e.ttls[hook] = ttl }
}

// Engine orchestrates one evaluation: cache lookup, concurrent rule
// execution with pre-fetched interaction data, deterministic aggregation,
// cache write, metrics. Constructed once at startup with explicit
// dependencies; safe for unbounded concurrent callers.
type Engine struct {
	registry      *Registry
	store         cache.Store
	knowledge     InteractionChecker
	metrics       *Metrics
	logger        zerolog.Logger
	slowThreshold time.Duration
	ttls          map[HookCategory]time.Duration
}

// NewEngine creates an Engine.
func NewEngine(registry *Registry, store cache.Store, checker InteractionChecker, metrics *Metrics, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:      registry,
		store:         store,
		knowledge:     checker,
		metrics:       metrics,
		logger:        logger,
		slowThreshold: 2 * time.Second,
		ttls:          make(map[HookCategory]time.Duration),
	}
	for hook, ttl := range defaultHookTTLs {
		e.ttls[hook] = ttl
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// TTLFor returns the evaluation cache TTL for a hook category.
func (e *Engine) TTLFor(hook HookCategory) time.Duration {
	if ttl, ok := e.ttls[hook]; ok {
		return ttl
	}
	return time.Minute
}

// ---------------------------------------------------------------------------
// Evaluate
// ---------------------------------------------------------------------------

// ruleSlot holds one rule's outcome. Guarded by the engine's per-call mutex
// so a deadline snapshot sees only fully-written slots.
type ruleSlot struct {
	alert *Alert
	done  bool
}

// Evaluate answers "does this patient context trigger any clinical alerts?".
// Dependency failures degrade to reduced alert coverage; the only error
// surfaced to the caller is an invalid context or an expired deadline before
// any rule could run.
func (e *Engine) Evaluate(ctx context.Context, cc ClinicalContext) (*EvaluationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cc.Hook.Valid() {
		return nil, fmt.Errorf("unknown hook category: %q", cc.Hook)
	}
	if cc.PatientID == "" {
		return nil, fmt.Errorf("patient id is required")
	}

	start := time.Now()
	key := CacheKey(cc)

	if payload, ok := e.store.Get(ctx, key); ok {
		var cached EvaluationResult
		if err := json.Unmarshal(payload, &cached); err == nil {
			cached.FromCache = true
			e.metrics.RecordHit(cc.Hook, time.Since(start))
			return &cached, nil
		}
		e.store.Delete(ctx, key)
	}

	rules := e.registry.Applicable(cc.Hook)

	// One knowledge round-trip shared by every interaction rule.
	var interactions []knowledge.Interaction
	for _, rule := range rules {
		if rule.Interaction && rule.Condition(cc) {
			interactions = e.knowledge.CheckMultiple(ctx, drugsFromContext(cc))
			break
		}
	}

	var (
		mu    sync.Mutex
		slots = make([]ruleSlot, len(rules))
		wg    sync.WaitGroup
	)
	for i, rule := range rules {
		wg.Add(1)
		go func(i int, rule Rule) {
			defer wg.Done()
			alert := e.runRule(rule, RuleInput{Context: cc, Interactions: interactions})
			mu.Lock()
			slots[i] = ruleSlot{alert: alert, done: true}
			mu.Unlock()
		}(i, rule)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	complete := true
	select {
	case <-finished:
	case <-ctx.Done():
		// Deadline mid-fan-out: aggregate whatever completed rather than
		// failing the request. The incomplete result is not cached.
		complete = false
		e.logger.Warn().
			Str("patient_id", cc.PatientID).
			Str("hook", string(cc.Hook)).
			Msg("deadline expired mid-evaluation, returning partial results")
	}

	mu.Lock()
	var alerts []Alert
	for _, slot := range slots {
		if slot.done && slot.alert != nil {
			alerts = append(alerts, *slot.alert)
		}
	}
	mu.Unlock()

	sortAlerts(alerts)

	result := &EvaluationResult{
		Alerts:     alerts,
		CacheKey:   key,
		ProducedAt: time.Now().UTC(),
		FromCache:  false,
	}

	elapsed := time.Since(start)
	if complete {
		if payload, err := json.Marshal(result); err == nil {
			e.store.Set(ctx, key, payload, e.TTLFor(cc.Hook))
		}
	}
	slow := elapsed > e.slowThreshold
	if slow {
		e.logger.Warn().
			Str("patient_id", cc.PatientID).
			Str("hook", string(cc.Hook)).
			Dur("elapsed", elapsed).
			Msg("slow evaluation")
	}
	e.metrics.RecordMiss(cc.Hook, elapsed, slow)

	return result, nil
}

// runRule executes one rule with panic isolation: a fault inside a rule is
// logged with its id and contributes zero alerts, never aborting siblings.
func (e *Engine) runRule(rule Rule, in RuleInput) (alert *Alert) {
	defer func() {
		if r := recover(); r != nil {
			alert = nil
			e.logger.Error().
				Str("rule_id", rule.ID).
				Str("patient_id", in.Context.PatientID).
				Str("hook", string(in.Context.Hook)).
				Interface("panic", r).
				Msg("rule evaluation panicked")
		}
	}()

	if !rule.Condition(in.Context) {
		return nil
	}
	alert = rule.Evaluate(in)
	if alert != nil {
		alert.RuleID = rule.ID
		alert.Category = rule.Category
	}
	return alert
}

// sortAlerts orders alerts by severity descending, then rule id, so the
// aggregation is deterministic regardless of goroutine completion order.
func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if severityRank[alerts[i].Severity] != severityRank[alerts[j].Severity] {
			return severityRank[alerts[i].Severity] > severityRank[alerts[j].Severity]
		}
		return alerts[i].RuleID < alerts[j].RuleID
	})
}

// drugsFromContext maps the context's medications into the knowledge
// client's input shape.
func drugsFromContext(cc ClinicalContext) []knowledge.Drug {
	drugs := make([]knowledge.Drug, 0, len(cc.Medications))
	for _, m := range cc.Medications {
		drugs = append(drugs, knowledge.Drug{Name: m.Name, Code: m.Code})
	}
	return drugs
}
