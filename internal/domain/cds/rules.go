package cds

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/cds/internal/platform/knowledge"
)

// ---------------------------------------------------------------------------
// Rule model
// ---------------------------------------------------------------------------

// Rule clinical categories, carried into the alerts a rule produces.
const (
	CategoryMedicationSafety = "medication-safety"
	CategoryAllergy          = "allergy"
	CategoryLaboratory       = "laboratory"
	CategoryCarePlanning     = "care-planning"
)

// RuleInput is everything a rule may consult. Interaction rules receive the
// pre-fetched interaction data here instead of calling the knowledge client
// themselves, which keeps every rule a pure function.
type RuleInput struct {
	Context      ClinicalContext
	Interactions []knowledge.Interaction
}

// Rule is one decision-support rule: a pure condition predicate plus a pure
// evaluation function. Rules are stateless and registered once at startup.
type Rule struct {
	ID          string
	Category    string
	Hooks       []HookCategory
	Interaction bool
	Condition   func(ClinicalContext) bool
	Evaluate    func(RuleInput) *Alert
}

func (r Rule) appliesTo(hook HookCategory) bool {
	for _, h := range r.Hooks {
		if h == hook {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds the closed rule set. It is populated during startup and
// read-only during evaluation; there is no runtime rule mutation.
type Registry struct {
	rules []Rule
	byID  map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]struct{})}
}

// Register adds a rule. Duplicate or incomplete rules are rejected so a
// wiring mistake fails at startup rather than at evaluation time.
func (r *Registry) Register(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if _, dup := r.byID[rule.ID]; dup {
		return fmt.Errorf("duplicate rule id: %s", rule.ID)
	}
	if rule.Condition == nil || rule.Evaluate == nil {
		return fmt.Errorf("rule %s: condition and evaluate are required", rule.ID)
	}
	if len(rule.Hooks) == 0 {
		return fmt.Errorf("rule %s: at least one hook is required", rule.ID)
	}
	r.byID[rule.ID] = struct{}{}
	r.rules = append(r.rules, rule)
	return nil
}

// Applicable returns the rules registered for the hook, sorted by id.
func (r *Registry) Applicable(hook HookCategory) []Rule {
	var out []Rule
	for _, rule := range r.rules {
		if rule.appliesTo(hook) {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// ---------------------------------------------------------------------------
// Built-in rules
// ---------------------------------------------------------------------------

// interactionSeverity maps the knowledge severity taxonomy onto alert
// severities.
func interactionSeverity(s string) string {
	switch s {
	case knowledge.SeverityContraindicated, knowledge.SeverityMajor:
		return SeverityCritical
	case knowledge.SeverityModerate:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// DefaultRegistry returns the registry with the built-in rule set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rule := range []Rule{
		drugInteractionRule(),
		allergyConflictRule(),
		polypharmacyRule(),
		duplicateTherapyRule(),
		elderlyHighRiskRule(),
		criticalLabRule(),
		dischargeMedReviewRule(),
	} {
		// Built-in rules are statically valid; a registration failure here
		// is a programming error.
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
	return r
}

func drugInteractionRule() Rule {
	return Rule{
		ID:          "drug-drug-interaction",
		Category:    CategoryMedicationSafety,
		Interaction: true,
		Hooks: []HookCategory{
			HookPatientView, HookMedicationPrescribe, HookOrderSelect, HookOrderSign,
		},
		Condition: func(cc ClinicalContext) bool {
			return len(cc.Medications) >= 2
		},
		Evaluate: func(in RuleInput) *Alert {
			if len(in.Interactions) == 0 {
				return nil
			}
			worst := SeverityInfo
			var lines []string
			for _, ix := range in.Interactions {
				if sev := interactionSeverity(ix.Severity); severityRank[sev] > severityRank[worst] {
					worst = sev
				}
				lines = append(lines, fmt.Sprintf("%s + %s (%s): %s", ix.NameA, ix.NameB, ix.Severity, ix.Description))
			}
			return &Alert{
				Severity:          worst,
				Title:             "Drug-drug interaction detected",
				Description:       strings.Join(lines, " "),
				RecommendedAction: "Review the interacting medications before proceeding.",
			}
		},
	}
}

func allergyConflictRule() Rule {
	return Rule{
		ID:       "allergy-medication-conflict",
		Category: CategoryAllergy,
		Hooks: []HookCategory{
			HookMedicationPrescribe, HookOrderSign,
		},
		Condition: func(cc ClinicalContext) bool {
			return len(cc.Medications) > 0 && len(cc.Allergies) > 0
		},
		Evaluate: func(in RuleInput) *Alert {
			var conflicts []string
			for _, med := range in.Context.Medications {
				medName := norm(med.Name)
				for _, allergy := range in.Context.Allergies {
					substance := norm(allergy.Substance)
					if substance == "" {
						continue
					}
					if strings.Contains(medName, substance) || strings.Contains(substance, medName) {
						conflicts = append(conflicts, fmt.Sprintf("%s conflicts with documented allergy to %s", med.Name, allergy.Substance))
					}
				}
			}
			if len(conflicts) == 0 {
				return nil
			}
			return &Alert{
				Severity:          SeverityCritical,
				Title:             "Medication matches documented allergy",
				Description:       strings.Join(conflicts, "; "),
				RecommendedAction: "Verify the allergy and select an alternative agent.",
			}
		},
	}
}

func polypharmacyRule() Rule {
	const threshold = 5
	return Rule{
		ID:       "polypharmacy",
		Category: CategoryMedicationSafety,
		Hooks: []HookCategory{
			HookPatientView, HookMedicationPrescribe, HookEncounterStart,
		},
		Condition: func(cc ClinicalContext) bool {
			return len(cc.Medications) >= threshold
		},
		Evaluate: func(in RuleInput) *Alert {
			return &Alert{
				Severity: SeverityWarning,
				Title:    "Polypharmacy",
				Description: fmt.Sprintf("Patient has %d active medications (threshold %d).",
					len(in.Context.Medications), threshold),
				RecommendedAction: "Consider a medication review for deprescribing opportunities.",
			}
		},
	}
}

func duplicateTherapyRule() Rule {
	return Rule{
		ID:       "duplicate-therapy",
		Category: CategoryMedicationSafety,
		Hooks: []HookCategory{
			HookMedicationPrescribe, HookOrderSign,
		},
		Condition: func(cc ClinicalContext) bool {
			return len(cc.Medications) >= 2
		},
		Evaluate: func(in RuleInput) *Alert {
			seen := make(map[string]string)
			var dups []string
			for _, med := range in.Context.Medications {
				key := norm(med.Code)
				if key == "" {
					key = norm(med.Name)
				}
				if first, ok := seen[key]; ok && first != med.Name {
					dups = append(dups, fmt.Sprintf("%s duplicates %s", med.Name, first))
				} else if !ok {
					seen[key] = med.Name
				}
			}
			if len(dups) == 0 {
				return nil
			}
			return &Alert{
				Severity:          SeverityWarning,
				Title:             "Possible duplicate therapy",
				Description:       strings.Join(dups, "; "),
				RecommendedAction: "Confirm that both orders are intended.",
			}
		},
	}
}

// elderlyHighRiskMeds lists medications to avoid in patients 65 and older,
// with the reason each is flagged. Ordered by name so alert text is stable.
// The clinical content is configuration data; pharmacy owns the entries.
var elderlyHighRiskMeds = []struct {
	name string
	risk string
}{
	{"amitriptyline", "anticholinergic burden and orthostatic hypotension"},
	{"cyclobenzaprine", "sedation and anticholinergic effects"},
	{"diazepam", "prolonged sedation and fall risk"},
	{"diphenhydramine", "anticholinergic burden, confusion and falls"},
	{"glyburide", "prolonged hypoglycemia"},
	{"indomethacin", "CNS effects and gastrointestinal bleeding"},
	{"ketorolac", "gastrointestinal bleeding and acute kidney injury"},
	{"lorazepam", "sedation and fall risk"},
	{"meperidine", "neurotoxic metabolite accumulation"},
	{"zolpidem", "falls, fractures and cognitive impairment"},
}

func elderlyHighRiskRule() Rule {
	const ageThreshold = 65
	return Rule{
		ID:       "elderly-high-risk-medication",
		Category: CategoryMedicationSafety,
		Hooks: []HookCategory{
			HookPatientView, HookMedicationPrescribe, HookOrderSign,
		},
		Condition: func(cc ClinicalContext) bool {
			return cc.PatientAge >= ageThreshold && len(cc.Medications) > 0
		},
		Evaluate: func(in RuleInput) *Alert {
			var lines []string
			for _, med := range in.Context.Medications {
				name := norm(med.Name)
				for _, hr := range elderlyHighRiskMeds {
					if strings.Contains(name, hr.name) {
						lines = append(lines, fmt.Sprintf("%s: %s", med.Name, hr.risk))
					}
				}
			}
			if len(lines) == 0 {
				return nil
			}
			return &Alert{
				Severity:          SeverityWarning,
				Title:             "High-risk medication for older adult",
				Description:       strings.Join(lines, "; "),
				RecommendedAction: "Consider a safer alternative for patients 65 and older.",
			}
		},
	}
}

func criticalLabRule() Rule {
	return Rule{
		ID:       "critical-lab-result",
		Category: CategoryLaboratory,
		Hooks: []HookCategory{
			HookPatientView, HookOrderSelect, HookEncounterStart,
		},
		Condition: func(cc ClinicalContext) bool {
			for _, lab := range cc.Labs {
				if norm(lab.Flag) == "critical" {
					return true
				}
			}
			return false
		},
		Evaluate: func(in RuleInput) *Alert {
			var lines []string
			for _, lab := range in.Context.Labs {
				if norm(lab.Flag) == "critical" {
					lines = append(lines, fmt.Sprintf("%s %g %s", lab.Test, lab.Value, lab.Unit))
				}
			}
			return &Alert{
				Severity:          SeverityCritical,
				Title:             "Critical laboratory result",
				Description:       strings.Join(lines, "; "),
				RecommendedAction: "Acknowledge and act on the critical value.",
			}
		},
	}
}

func dischargeMedReviewRule() Rule {
	return Rule{
		ID:       "discharge-medication-review",
		Category: CategoryCarePlanning,
		Hooks: []HookCategory{
			HookEncounterDischarge,
		},
		Condition: func(cc ClinicalContext) bool {
			return len(cc.Medications) > 0
		},
		Evaluate: func(in RuleInput) *Alert {
			return &Alert{
				Severity: SeverityInfo,
				Title:    "Discharge medication reconciliation",
				Description: fmt.Sprintf("Patient is being discharged with %d active medications.",
					len(in.Context.Medications)),
				RecommendedAction: "Complete medication reconciliation before discharge.",
			}
		},
	}
}
