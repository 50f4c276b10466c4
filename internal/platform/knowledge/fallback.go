package knowledge

// The embedded interaction table is the graceful-degradation path: when the
// knowledge service is unreachable and the circuit breaker is open, lookups
// degrade to this curated list of well-known severe interactions instead of
// returning nothing. The clinical content here is configuration data, not
// engine logic; pharmacy owns the entries.

// fallbackCodes maps normalized drug names to RxNorm codes for the drugs
// covered by the embedded table, so code resolution also degrades instead of
// silently skipping every rule.
var fallbackCodes = map[string]string{
	"warfarin":           "11289",
	"aspirin":            "1191",
	"ibuprofen":          "5640",
	"digoxin":            "3407",
	"amiodarone":         "703",
	"simvastatin":        "36567",
	"clarithromycin":     "21212",
	"methotrexate":       "6851",
	"trimethoprim":       "10829",
	"sildenafil":         "136411",
	"nitroglycerin":      "4917",
	"lisinopril":         "29046",
	"spironolactone":     "9997",
	"clopidogrel":        "32968",
	"omeprazole":         "7646",
	"potassium chloride": "8591",
}

// fallbackInteractions is keyed by unordered code pair via pairKey.
var fallbackInteractions = map[string]Interaction{
	pairKey("11289", "1191"): {
		CodeA: "11289", CodeB: "1191",
		NameA: "Warfarin", NameB: "Aspirin",
		Severity:    SeverityMajor,
		Description: "Concurrent use significantly increases the risk of bleeding.",
		Management:  "Avoid combination where possible; if co-prescribed, monitor INR closely and watch for signs of bleeding.",
	},
	pairKey("11289", "5640"): {
		CodeA: "11289", CodeB: "5640",
		NameA: "Warfarin", NameB: "Ibuprofen",
		Severity:    SeverityMajor,
		Description: "NSAIDs potentiate anticoagulation and increase gastrointestinal bleeding risk.",
		Management:  "Prefer acetaminophen for analgesia; if NSAID is required, add gastroprotection and monitor INR.",
	},
	pairKey("3407", "703"): {
		CodeA: "3407", CodeB: "703",
		NameA: "Digoxin", NameB: "Amiodarone",
		Severity:    SeverityMajor,
		Description: "Amiodarone raises serum digoxin concentration and can precipitate digoxin toxicity.",
		Management:  "Reduce digoxin dose by 30-50% when starting amiodarone and monitor levels.",
	},
	pairKey("36567", "21212"): {
		CodeA: "36567", CodeB: "21212",
		NameA: "Simvastatin", NameB: "Clarithromycin",
		Severity:    SeverityContraindicated,
		Description: "CYP3A4 inhibition markedly raises simvastatin exposure; risk of rhabdomyolysis.",
		Management:  "Hold simvastatin for the duration of clarithromycin therapy or select a non-interacting antibiotic.",
	},
	pairKey("6851", "10829"): {
		CodeA: "6851", CodeB: "10829",
		NameA: "Methotrexate", NameB: "Trimethoprim",
		Severity:    SeverityMajor,
		Description: "Additive antifolate effect; risk of bone marrow suppression and pancytopenia.",
		Management:  "Avoid combination; if unavoidable, monitor complete blood counts.",
	},
	pairKey("136411", "4917"): {
		CodeA: "136411", CodeB: "4917",
		NameA: "Sildenafil", NameB: "Nitroglycerin",
		Severity:    SeverityContraindicated,
		Description: "PDE5 inhibitors potentiate nitrate-induced vasodilation; risk of severe refractory hypotension.",
		Management:  "Contraindicated; separate administration by at least 24 hours.",
	},
	pairKey("29046", "9997"): {
		CodeA: "29046", CodeB: "9997",
		NameA: "Lisinopril", NameB: "Spironolactone",
		Severity:    SeverityModerate,
		Description: "Dual potassium-sparing effect; risk of hyperkalemia, especially with renal impairment.",
		Management:  "Monitor serum potassium and renal function after initiation and dose changes.",
	},
	pairKey("32968", "7646"): {
		CodeA: "32968", CodeB: "7646",
		NameA: "Clopidogrel", NameB: "Omeprazole",
		Severity:    SeverityModerate,
		Description: "Omeprazole inhibits CYP2C19 activation of clopidogrel, reducing antiplatelet effect.",
		Management:  "Consider pantoprazole or an H2 antagonist instead.",
	},
}

// fallbackResolve maps a normalized drug name to its code from the embedded
// table.
func fallbackResolve(normalizedName string) (string, bool) {
	code, ok := fallbackCodes[normalizedName]
	return code, ok
}

// fallbackLookup returns the embedded interaction for an unordered code pair,
// if one is known.
func fallbackLookup(codeA, codeB string) (Interaction, bool) {
	ix, ok := fallbackInteractions[pairKey(codeA, codeB)]
	return ix, ok
}
