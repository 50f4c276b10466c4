package cds

import (
	"strings"
	"testing"
)

func baseContext() ClinicalContext {
	return ClinicalContext{
		PatientID: "patient-1",
		Hook:      HookMedicationPrescribe,
		Medications: []Medication{
			{Name: "Warfarin", Code: "11289"},
			{Name: "Aspirin", Code: "1191"},
		},
		Allergies: []Allergy{
			{Substance: "Penicillin", Reaction: "rash", Severity: "moderate"},
		},
		Diagnoses: []Diagnosis{
			{Code: "I48.91", Description: "Atrial fibrillation"},
		},
		Labs: []LabResult{
			{Test: "INR", Value: 3.2, Unit: "ratio", Flag: "high"},
		},
	}
}

func TestHookCategoryValid(t *testing.T) {
	for _, hook := range Hooks() {
		if !hook.Valid() {
			t.Errorf("hook %q should be valid", hook)
		}
	}
	if HookCategory("order-review").Valid() {
		t.Error("unknown hook should be invalid")
	}
	if HookCategory("").Valid() {
		t.Error("empty hook should be invalid")
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	cc := baseContext()
	if CacheKey(cc) != CacheKey(cc) {
		t.Error("same context must produce the same key")
	}
}

func TestCacheKeyOrderInsensitive(t *testing.T) {
	a := baseContext()
	b := baseContext()
	b.Medications = []Medication{b.Medications[1], b.Medications[0]}
	if CacheKey(a) != CacheKey(b) {
		t.Error("medication insertion order must not change the key")
	}

	a.Allergies = append(a.Allergies, Allergy{Substance: "Sulfa"})
	b.Allergies = append([]Allergy{{Substance: "Sulfa"}}, b.Allergies...)
	if CacheKey(a) != CacheKey(b) {
		t.Error("allergy insertion order must not change the key")
	}
}

func TestCacheKeyChangeSensitive(t *testing.T) {
	base := CacheKey(baseContext())

	cases := map[string]func(*ClinicalContext){
		"medication added":   func(cc *ClinicalContext) { cc.Medications = append(cc.Medications, Medication{Name: "Digoxin"}) },
		"medication removed": func(cc *ClinicalContext) { cc.Medications = cc.Medications[:1] },
		"allergy changed":    func(cc *ClinicalContext) { cc.Allergies[0].Severity = "severe" },
		"diagnosis added":    func(cc *ClinicalContext) { cc.Diagnoses = append(cc.Diagnoses, Diagnosis{Code: "E11.9"}) },
		"lab value changed":  func(cc *ClinicalContext) { cc.Labs[0].Value = 5.1 },
		"lab flag changed":   func(cc *ClinicalContext) { cc.Labs[0].Flag = "critical" },
		"patient changed":    func(cc *ClinicalContext) { cc.PatientID = "patient-2" },
		"age changed":        func(cc *ClinicalContext) { cc.PatientAge = 70 },
		"hook changed":       func(cc *ClinicalContext) { cc.Hook = HookPatientView },
	}
	for name, mutate := range cases {
		cc := baseContext()
		mutate(&cc)
		if CacheKey(cc) == base {
			t.Errorf("%s: key should differ from base", name)
		}
	}
}

func TestCacheKeyDelimiterValuesDoNotCollide(t *testing.T) {
	a := baseContext()
	a.Medications = []Medication{{Name: "a", Code: "b,c=d"}}
	b := baseContext()
	b.Medications = []Medication{{Name: "a", Code: "b"}, {Name: "c", Code: "d"}}
	if CacheKey(a) == CacheKey(b) {
		t.Error("field values containing separator characters must not collide")
	}

	c := baseContext()
	c.Allergies = []Allergy{{Substance: "x|y", Reaction: "z"}}
	d := baseContext()
	d.Allergies = []Allergy{{Substance: "x", Reaction: "y|z"}}
	if CacheKey(c) == CacheKey(d) {
		t.Error("shifting characters across fields must change the key")
	}
}

func TestCacheKeyNormalizesCase(t *testing.T) {
	a := baseContext()
	b := baseContext()
	b.Medications[0].Name = "  WARFARIN "
	if CacheKey(a) != CacheKey(b) {
		t.Error("name casing and whitespace must not change the key")
	}
}

func TestCacheKeyShape(t *testing.T) {
	key := CacheKey(baseContext())
	if !strings.HasPrefix(key, "cds:eval:patient-1:medication-prescribe:") {
		t.Errorf("unexpected key shape: %s", key)
	}
}
