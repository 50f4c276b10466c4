package cds

import (
	"strings"
	"testing"

	"github.com/ehr/cds/internal/platform/knowledge"
)

func findRule(t *testing.T, id string) Rule {
	t.Helper()
	for _, hook := range Hooks() {
		for _, rule := range DefaultRegistry().Applicable(hook) {
			if rule.ID == id {
				return rule
			}
		}
	}
	t.Fatalf("rule %s not registered", id)
	return Rule{}
}

func TestRegistryRejectsInvalidRules(t *testing.T) {
	r := NewRegistry()
	noop := func(ClinicalContext) bool { return false }
	eval := func(RuleInput) *Alert { return nil }

	if err := r.Register(Rule{Condition: noop, Evaluate: eval, Hooks: Hooks()}); err == nil {
		t.Error("missing id should be rejected")
	}
	if err := r.Register(Rule{ID: "x", Evaluate: eval, Hooks: Hooks()}); err == nil {
		t.Error("missing condition should be rejected")
	}
	if err := r.Register(Rule{ID: "x", Condition: noop, Evaluate: eval}); err == nil {
		t.Error("missing hooks should be rejected")
	}
	if err := r.Register(Rule{ID: "x", Condition: noop, Evaluate: eval, Hooks: Hooks()}); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
	if err := r.Register(Rule{ID: "x", Condition: noop, Evaluate: eval, Hooks: Hooks()}); err == nil {
		t.Error("duplicate id should be rejected")
	}
}

func TestApplicableSortedByID(t *testing.T) {
	rules := DefaultRegistry().Applicable(HookMedicationPrescribe)
	if len(rules) < 2 {
		t.Fatalf("expected multiple prescribe rules, got %d", len(rules))
	}
	for i := 1; i < len(rules); i++ {
		if rules[i-1].ID >= rules[i].ID {
			t.Errorf("rules not sorted: %s before %s", rules[i-1].ID, rules[i].ID)
		}
	}
}

func TestDrugInteractionRule(t *testing.T) {
	rule := findRule(t, "drug-drug-interaction")
	cc := baseContext()

	if rule.Condition(ClinicalContext{Medications: []Medication{{Name: "one"}}}) {
		t.Error("single medication should not satisfy the condition")
	}
	if !rule.Condition(cc) {
		t.Error("two medications should satisfy the condition")
	}

	if alert := rule.Evaluate(RuleInput{Context: cc}); alert != nil {
		t.Error("no interactions should produce no alert")
	}

	alert := rule.Evaluate(RuleInput{
		Context: cc,
		Interactions: []knowledge.Interaction{
			{NameA: "warfarin", NameB: "aspirin", Severity: knowledge.SeverityModerate, Description: "bleeding risk"},
			{NameA: "warfarin", NameB: "ibuprofen", Severity: knowledge.SeverityMajor, Description: "bleeding risk"},
		},
	})
	if alert == nil {
		t.Fatal("expected an alert for known interactions")
	}
	if alert.Severity != SeverityCritical {
		t.Errorf("worst severity should win: got %s", alert.Severity)
	}
}

func TestInteractionSeverityMapping(t *testing.T) {
	cases := map[string]string{
		knowledge.SeverityContraindicated: SeverityCritical,
		knowledge.SeverityMajor:           SeverityCritical,
		knowledge.SeverityModerate:        SeverityWarning,
		knowledge.SeverityMinor:           SeverityInfo,
		"unknown":                         SeverityInfo,
	}
	for in, want := range cases {
		if got := interactionSeverity(in); got != want {
			t.Errorf("interactionSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAllergyConflictRule(t *testing.T) {
	rule := findRule(t, "allergy-medication-conflict")
	cc := ClinicalContext{
		Medications: []Medication{{Name: "Amoxicillin/Penicillin"}},
		Allergies:   []Allergy{{Substance: "penicillin"}},
	}
	if !rule.Condition(cc) {
		t.Fatal("meds plus allergies should satisfy the condition")
	}
	alert := rule.Evaluate(RuleInput{Context: cc})
	if alert == nil {
		t.Fatal("substring match should fire")
	}
	if alert.Severity != SeverityCritical {
		t.Errorf("allergy conflict should be critical, got %s", alert.Severity)
	}

	cc.Allergies = []Allergy{{Substance: "latex"}}
	if rule.Evaluate(RuleInput{Context: cc}) != nil {
		t.Error("unrelated allergy should not fire")
	}
}

func TestPolypharmacyRule(t *testing.T) {
	rule := findRule(t, "polypharmacy")
	meds := make([]Medication, 0, 5)
	for _, name := range []string{"a", "b", "c", "d"} {
		meds = append(meds, Medication{Name: name})
	}
	if rule.Condition(ClinicalContext{Medications: meds}) {
		t.Error("four medications should not satisfy the condition")
	}
	meds = append(meds, Medication{Name: "e"})
	cc := ClinicalContext{Medications: meds}
	if !rule.Condition(cc) {
		t.Fatal("five medications should satisfy the condition")
	}
	alert := rule.Evaluate(RuleInput{Context: cc})
	if alert == nil || alert.Severity != SeverityWarning {
		t.Errorf("expected warning alert, got %+v", alert)
	}
}

func TestDuplicateTherapyRule(t *testing.T) {
	rule := findRule(t, "duplicate-therapy")

	cc := ClinicalContext{Medications: []Medication{
		{Name: "Coumadin", Code: "11289"},
		{Name: "Warfarin", Code: "11289"},
	}}
	if alert := rule.Evaluate(RuleInput{Context: cc}); alert == nil {
		t.Error("same code under different names should fire")
	}

	cc = ClinicalContext{Medications: []Medication{
		{Name: "Warfarin"},
		{Name: "Aspirin"},
	}}
	if alert := rule.Evaluate(RuleInput{Context: cc}); alert != nil {
		t.Error("distinct medications should not fire")
	}
}

func TestElderlyHighRiskRule(t *testing.T) {
	rule := findRule(t, "elderly-high-risk-medication")

	cc := ClinicalContext{
		PatientAge:  78,
		Medications: []Medication{{Name: "Diphenhydramine 25mg"}, {Name: "Lisinopril"}},
	}
	if !rule.Condition(cc) {
		t.Fatal("age 78 with medications should satisfy the condition")
	}
	alert := rule.Evaluate(RuleInput{Context: cc})
	if alert == nil || alert.Severity != SeverityWarning {
		t.Fatalf("expected warning alert, got %+v", alert)
	}
	if !strings.Contains(alert.Description, "Diphenhydramine 25mg") {
		t.Errorf("alert should name the flagged medication: %s", alert.Description)
	}

	cc.PatientAge = 60
	if rule.Condition(cc) {
		t.Error("patients under 65 should not satisfy the condition")
	}

	cc.PatientAge = 78
	cc.Medications = []Medication{{Name: "Lisinopril"}}
	if rule.Evaluate(RuleInput{Context: cc}) != nil {
		t.Error("no high-risk medication should produce no alert")
	}
}

func TestCriticalLabRule(t *testing.T) {
	rule := findRule(t, "critical-lab-result")
	cc := ClinicalContext{Labs: []LabResult{
		{Test: "Potassium", Value: 6.8, Unit: "mmol/L", Flag: "critical"},
		{Test: "Sodium", Value: 131, Unit: "mmol/L", Flag: "low"},
	}}
	if !rule.Condition(cc) {
		t.Fatal("critical flag should satisfy the condition")
	}
	alert := rule.Evaluate(RuleInput{Context: cc})
	if alert == nil || alert.Severity != SeverityCritical {
		t.Fatalf("expected critical alert, got %+v", alert)
	}

	cc.Labs[0].Flag = "high"
	if rule.Condition(cc) {
		t.Error("high flag alone should not satisfy the condition")
	}
}

func TestDischargeMedReviewRule(t *testing.T) {
	rule := findRule(t, "discharge-medication-review")
	if len(rule.Hooks) != 1 || rule.Hooks[0] != HookEncounterDischarge {
		t.Errorf("discharge review should only run at discharge, got %v", rule.Hooks)
	}
	alert := rule.Evaluate(RuleInput{Context: ClinicalContext{Medications: []Medication{{Name: "a"}}}})
	if alert == nil || alert.Severity != SeverityInfo {
		t.Errorf("expected info alert, got %+v", alert)
	}
}
