// Package cds implements the clinical decision support evaluation core: the
// context model, the rule registry, the evaluation engine, and the CDS Hooks
// HTTP surface.
package cds

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Hook categories
// ---------------------------------------------------------------------------

// HookCategory is the clinical workflow moment that triggers an evaluation.
// Values follow the HL7 CDS Hooks naming.
type HookCategory string

const (
	HookPatientView         HookCategory = "patient-view"
	HookMedicationPrescribe HookCategory = "medication-prescribe"
	HookOrderSelect         HookCategory = "order-select"
	HookOrderSign           HookCategory = "order-sign"
	HookEncounterStart      HookCategory = "encounter-start"
	HookEncounterDischarge  HookCategory = "encounter-discharge"
)

// Hooks lists every supported category in a stable order.
func Hooks() []HookCategory {
	return []HookCategory{
		HookPatientView,
		HookMedicationPrescribe,
		HookOrderSelect,
		HookOrderSign,
		HookEncounterStart,
		HookEncounterDischarge,
	}
}

// Valid reports whether h is a known hook category.
func (h HookCategory) Valid() bool {
	switch h {
	case HookPatientView, HookMedicationPrescribe, HookOrderSelect,
		HookOrderSign, HookEncounterStart, HookEncounterDischarge:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Clinical context
// ---------------------------------------------------------------------------

// Medication is one active medication. Code is the normalized RxNorm code
// when known; the knowledge client resolves it otherwise.
type Medication struct {
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// Allergy is one active allergy or intolerance.
type Allergy struct {
	Substance string `json:"substance"`
	Reaction  string `json:"reaction,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

// Diagnosis is one active problem-list entry.
type Diagnosis struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// LabResult is one recent abnormal laboratory result.
type LabResult struct {
	Test  string  `json:"test"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Flag  string  `json:"flag,omitempty"` // "high", "low", "critical"
}

// ClinicalContext is the immutable input snapshot for one evaluation. It is
// owned by the calling request; the engine never mutates it.
type ClinicalContext struct {
	PatientID   string       `json:"patientId"`
	PatientAge  int          `json:"patientAge,omitempty"`
	Hook        HookCategory `json:"hook"`
	Medications []Medication `json:"medications,omitempty"`
	Allergies   []Allergy    `json:"allergies,omitempty"`
	Diagnoses   []Diagnosis  `json:"diagnoses,omitempty"`
	Labs        []LabResult  `json:"labResults,omitempty"`
}

// ---------------------------------------------------------------------------
// Alerts and results
// ---------------------------------------------------------------------------

// Alert severities, ordered info < warning < critical.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// severityRank orders alerts for deterministic aggregation.
var severityRank = map[string]int{
	SeverityCritical: 3,
	SeverityWarning:  2,
	SeverityInfo:     1,
}

// Alert is one fired decision-support finding. Immutable; owned by the
// evaluation result it belongs to.
type Alert struct {
	RuleID            string `json:"ruleId"`
	Severity          string `json:"severity"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	RecommendedAction string `json:"recommendedAction,omitempty"`
	Category          string `json:"category"`
}

// EvaluationResult is the outcome of one Evaluate call.
type EvaluationResult struct {
	Alerts     []Alert   `json:"alerts"`
	CacheKey   string    `json:"cacheKey"`
	ProducedAt time.Time `json:"producedAt"`
	FromCache  bool      `json:"fromCache"`
}

// ---------------------------------------------------------------------------
// Cache key derivation
// ---------------------------------------------------------------------------

// cacheKeyPayload is the canonical form hashed into the cache key: every
// field normalized, every collection sorted. It is JSON-encoded rather than
// joined with delimiters so that field values containing separator characters
// can never make two different contexts collide.
type cacheKeyPayload struct {
	Age         int          `json:"age"`
	Medications []Medication `json:"medications"`
	Allergies   []Allergy    `json:"allergies"`
	Diagnoses   []string     `json:"diagnoses"`
	Labs        []LabResult  `json:"labs"`
}

// CacheKey derives the evaluation cache key for a context. Sub-collections
// are normalized and sorted before hashing so that insertion order never
// affects the key, while any change to age, medications, allergies,
// diagnoses or labs produces a different key.
func CacheKey(cc ClinicalContext) string {
	p := cacheKeyPayload{Age: cc.PatientAge}

	p.Medications = make([]Medication, len(cc.Medications))
	for i, m := range cc.Medications {
		p.Medications[i] = Medication{Name: norm(m.Name), Code: norm(m.Code)}
	}
	sort.Slice(p.Medications, func(i, j int) bool {
		a, b := p.Medications[i], p.Medications[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Code < b.Code
	})

	p.Allergies = make([]Allergy, len(cc.Allergies))
	for i, a := range cc.Allergies {
		p.Allergies[i] = Allergy{Substance: norm(a.Substance), Reaction: norm(a.Reaction), Severity: norm(a.Severity)}
	}
	sort.Slice(p.Allergies, func(i, j int) bool {
		a, b := p.Allergies[i], p.Allergies[j]
		if a.Substance != b.Substance {
			return a.Substance < b.Substance
		}
		if a.Reaction != b.Reaction {
			return a.Reaction < b.Reaction
		}
		return a.Severity < b.Severity
	})

	p.Diagnoses = make([]string, len(cc.Diagnoses))
	for i, d := range cc.Diagnoses {
		p.Diagnoses[i] = norm(d.Code)
	}
	sort.Strings(p.Diagnoses)

	p.Labs = make([]LabResult, len(cc.Labs))
	for i, l := range cc.Labs {
		p.Labs[i] = LabResult{Test: norm(l.Test), Value: l.Value, Unit: norm(l.Unit), Flag: norm(l.Flag)}
	}
	sort.Slice(p.Labs, func(i, j int) bool {
		a, b := p.Labs[i], p.Labs[j]
		if a.Test != b.Test {
			return a.Test < b.Test
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		return a.Flag < b.Flag
	})

	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("cds:eval:%s:%s:%s", cc.PatientID, cc.Hook, hex.EncodeToString(sum[:16]))
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
