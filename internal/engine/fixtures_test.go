package engine

import "testing"

func num(f float64) *float64 { return &f }

func intp(i int) *int { return &i }

var (
	keyPain   = Key("history", "painSeverity")
	keyNausea = Key("history", "nauseaVomiting")
	keyIOPR   = Key("exam", "iopRight")
	keyIOPL   = Key("exam", "iopLeft")
)

// eyeDefinition is a cut-down acute red eye work-up.
func eyeDefinition() Definition {
	phases := []Phase{
		{ID: "history", Title: "History", Sections: []Section{{
			ID: "symptoms",
			Fields: []FieldDefinition{
				{ID: "painSeverity", Label: "Pain (0-10)", Kind: KindNumber, Required: true, Min: num(0), Max: num(10)},
				{ID: "nauseaVomiting", Label: "Nausea or vomiting", Kind: KindBool, Required: true},
			},
		}}},
		{ID: "exam", Title: "Examination", Sections: []Section{{
			ID: "pressure",
			Fields: []FieldDefinition{
				{ID: "iopRight", Label: "IOP right", Kind: KindNumber, Required: true, Min: num(0), Max: num(80), Unit: "mmHg"},
				{ID: "iopLeft", Label: "IOP left", Kind: KindNumber, Min: num(0), Max: num(80), Unit: "mmHg"},
			},
		}}},
	}
	risk := &WeightedEvidence{
		InstrumentID: "angle_closure_risk",
		Title:        "Angle-closure risk",
		Contributions: []Contribution{
			{Label: "IOP >= 30", Points: 50, When: AtLeast(keyIOPR, 30)},
			{Label: "severe pain", Points: 30, When: AtLeast(keyPain, 7)},
			{Label: "nausea", Points: 30, When: IsTrue(keyNausea)},
		},
		Critical: []FieldKey{keyIOPR},
		Bands: []Band{
			{Min: 0, Label: "low", Level: SeverityInfo},
			{Min: 40, Label: "moderate", Level: SeverityWarning},
			{Min: 70, Label: "high", Level: SeverityCritical, Recommendation: "same-day gonioscopy"},
		},
	}
	rules := []Rule{
		{ID: "iop_recorded", Severity: SeverityInfo, Message: "IOP recorded", When: IsAnswered(keyIOPR)},
		{ID: "elevated_iop", Severity: SeverityWarning, Message: "Elevated IOP", When: GreaterThan(keyIOPR, 21)},
		{ID: "acute_angle_closure", Severity: SeverityWarning, Message: "Possible angle closure",
			When: All(AtLeast(keyIOPR, 30), AtLeast(keyPain, 7))},
		{ID: "acute_angle_closure", Severity: SeverityCritical, Message: "Acute angle-closure glaucoma",
			Action: "Emergency ophthalmology referral",
			When:   All(AtLeast(keyIOPR, 30), AtLeast(keyPain, 7), IsTrue(keyNausea))},
	}
	return Definition{
		Info:        FormInfo{ID: "eye", Title: "Red eye", Specialty: "ophthalmology", Version: "1"},
		Phases:      phases,
		Instruments: []Instrument{risk},
		Rules:       rules,
	}
}

var phqOptions = []string{"not_at_all", "several_days", "more_than_half", "nearly_every_day"}

func phqKey(i int) FieldKey { return Key("screening", phqID(i)) }

func phqID(i int) string { return "q" + string(rune('0'+i)) }

// phqDefinition is a nine-item depression scale with a self-harm flag.
func phqDefinition() Definition {
	var fields []FieldDefinition
	var items []ScaleItem
	for i := 1; i <= 9; i++ {
		fields = append(fields, FieldDefinition{ID: phqID(i), Kind: KindSingleChoice, Required: true, Options: phqOptions})
		items = append(items, ScaleItem{Key: phqKey(i), Points: map[string]float64{
			"not_at_all": 0, "several_days": 1, "more_than_half": 2, "nearly_every_day": 3,
		}})
	}
	phases := []Phase{
		{ID: "screening", Sections: []Section{{ID: "phq9", Fields: fields}}},
		{ID: "safety", Sections: []Section{{ID: "plan", Fields: []FieldDefinition{
			{ID: "notes", Kind: KindText, MaxLength: intp(500)},
		}}}},
	}
	scale := &AdditiveScale{
		InstrumentID: "phq9",
		Title:        "PHQ-9",
		Items:        items,
		Bands: []Band{
			{Min: 0, Label: "minimal", Level: SeverityInfo},
			{Min: 5, Label: "mild", Level: SeverityInfo},
			{Min: 10, Label: "moderate", Level: SeverityWarning},
			{Min: 15, Label: "moderately severe", Level: SeverityWarning},
			{Min: 20, Label: "severe", Level: SeverityCritical},
		},
	}
	flags := []FlagDef{{
		ID:      "suicide_protocol",
		Unlocks: []string{"safety.plan"},
		When:    All(IsAnswered(phqKey(9)), Not(Equals(phqKey(9), Choice("not_at_all")))),
	}}
	rules := []Rule{{
		ID: "severe_depression", Severity: SeverityCritical, Message: "Severe depression",
		When: ScoreAtLeast("phq9", 20),
	}}
	return Definition{
		Info:        FormInfo{ID: "phq", Title: "Depression screen", Specialty: "psychiatry", Version: "1"},
		Phases:      phases,
		Instruments: []Instrument{scale},
		Rules:       rules,
		Flags:       flags,
	}
}

func mustForm(t *testing.T, def Definition) *Form {
	t.Helper()
	f, err := NewForm(def)
	if err != nil {
		t.Fatalf("NewForm: %v", err)
	}
	return f
}
