package engine

import (
	"fmt"
	"math"
	"sort"
)

// Band labels the range of scores starting at Min.
type Band struct {
	Min            float64  `json:"min"`
	Label          string   `json:"label"`
	Level          Severity `json:"level,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

func checkBands(bands []Band) []string {
	var out []string
	if len(bands) == 0 {
		return []string{"no severity bands"}
	}
	for _, b := range bands {
		if !finite(b.Min) {
			out = append(out, fmt.Sprintf("band %q: min must be a finite number", b.Label))
		}
	}
	for i := 1; i < len(bands); i++ {
		if bands[i].Min <= bands[i-1].Min {
			out = append(out, fmt.Sprintf("band %q must start above band %q", bands[i].Label, bands[i-1].Label))
		}
	}
	for _, b := range bands {
		if b.Level != "" && !b.Level.valid() {
			out = append(out, fmt.Sprintf("band %q: invalid level %q", b.Label, b.Level))
		}
	}
	return out
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// classify walks bands from the highest bound down and returns the first one
// the value reaches. Values below every bound get the lowest band.
func classify(bands []Band, value float64) Band {
	for i := len(bands) - 1; i >= 0; i-- {
		if value >= bands[i].Min {
			return bands[i]
		}
	}
	if len(bands) > 0 {
		return bands[0]
	}
	return Band{}
}

// ScoreResult is the output of one instrument for one answer set.
type ScoreResult struct {
	Instrument     string     `json:"instrument"`
	Name           string     `json:"name"`
	Value          float64    `json:"value"`
	Max            float64    `json:"max"`
	Band           string     `json:"band"`
	Level          Severity   `json:"level,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`
	// Incomplete is set when a critical input is unanswered; a low value then
	// means "not yet scoreable" rather than "scored low".
	Incomplete   bool       `json:"incomplete"`
	Missing      []FieldKey `json:"missing,omitempty"`
	Contributing []string   `json:"contributing,omitempty"`
}

// Instrument is a named scoring formula.
type Instrument interface {
	ID() string
	Name() string
	// Inputs lists every field the instrument reads.
	Inputs() []FieldKey
	// Prepare checks the instrument against the schema and caches whatever
	// it needs from it. It returns one message per problem.
	Prepare(schema *Schema) []string
	Score(answers AnswerStore) ScoreResult
}

// Contribution adds Points when When holds.
type Contribution struct {
	Label  string
	Points float64
	When   Predicate
}

// WeightedEvidence sums independent point contributions and clamps the total
// to [0,100].
type WeightedEvidence struct {
	InstrumentID  string
	Title         string
	Contributions []Contribution
	// Critical inputs mark the result incomplete while unanswered.
	Critical []FieldKey
	Bands    []Band
}

const weightedMax = 100

func (w *WeightedEvidence) ID() string   { return w.InstrumentID }
func (w *WeightedEvidence) Name() string { return w.Title }

func (w *WeightedEvidence) Inputs() []FieldKey {
	keys := append([]FieldKey(nil), w.Critical...)
	for _, c := range w.Contributions {
		if c.When != nil {
			keys = append(keys, c.When.Refs().Fields...)
		}
	}
	return uniqueKeys(keys)
}

func (w *WeightedEvidence) Prepare(schema *Schema) []string {
	var out []string
	if len(w.Contributions) == 0 {
		out = append(out, "no contributions")
	}
	for i, c := range w.Contributions {
		if !finite(c.Points) {
			out = append(out, fmt.Sprintf("contribution %d (%s): points must be a finite number", i, c.Label))
		}
		if c.When == nil {
			out = append(out, fmt.Sprintf("contribution %d (%s) has no condition", i, c.Label))
			continue
		}
		if insts := c.When.Refs().Instruments; len(insts) > 0 {
			out = append(out, fmt.Sprintf("contribution %q may not read instrument %q", c.Label, insts[0]))
		}
	}
	for _, k := range w.Inputs() {
		if _, ok := schema.Field(k); !ok {
			out = append(out, fmt.Sprintf("unknown field %q", k))
		}
	}
	return append(out, checkBands(w.Bands)...)
}

func (w *WeightedEvidence) Score(answers AnswerStore) ScoreResult {
	env := mapEnv{answers: answers}
	var total float64
	var contributing []string
	for _, c := range w.Contributions {
		if c.When != nil && c.When.Eval(env) {
			total += c.Points
			contributing = append(contributing, c.Label)
		}
	}
	total = math.Max(0, math.Min(weightedMax, total))
	return finish(ScoreResult{
		Instrument:   w.InstrumentID,
		Name:         w.Title,
		Value:        total,
		Max:          weightedMax,
		Contributing: contributing,
	}, w.Bands, missing(answers, w.Critical))
}

// ScaleItem is one ordinal item of an additive scale. For choice fields
// Points maps each option to its value; bool fields use the keys "true" and
// "false"; number fields contribute their own value and leave Points empty.
type ScaleItem struct {
	Key    FieldKey
	Points map[string]float64
}

// AdditiveScale sums item points. Its maximum is the sum of item maxima and
// every item is critical.
type AdditiveScale struct {
	InstrumentID string
	Title        string
	Items        []ScaleItem
	Bands        []Band

	itemMax []float64
	max     float64
}

func (a *AdditiveScale) ID() string   { return a.InstrumentID }
func (a *AdditiveScale) Name() string { return a.Title }

func (a *AdditiveScale) Inputs() []FieldKey {
	keys := make([]FieldKey, len(a.Items))
	for i, it := range a.Items {
		keys[i] = it.Key
	}
	return keys
}

// Max is the natural maximum of the scale, known after Prepare.
func (a *AdditiveScale) Max() float64 { return a.max }

func (a *AdditiveScale) Prepare(schema *Schema) []string {
	var out []string
	if len(a.Items) == 0 {
		out = append(out, "no items")
	}
	a.itemMax = make([]float64, len(a.Items))
	a.max = 0
	seen := make(map[FieldKey]bool)
	for i, it := range a.Items {
		if seen[it.Key] {
			out = append(out, fmt.Sprintf("item %q listed twice", it.Key))
		}
		seen[it.Key] = true
		for _, o := range sortedKeys(it.Points) {
			if !finite(it.Points[o]) {
				out = append(out, fmt.Sprintf("item %q: points for %q must be a finite number", it.Key, o))
			}
		}
		f, ok := schema.Field(it.Key)
		if !ok {
			out = append(out, fmt.Sprintf("unknown field %q", it.Key))
			continue
		}
		switch f.Kind {
		case KindSingleChoice, KindMultiChoice:
			for _, o := range f.Options {
				if _, ok := it.Points[o]; !ok {
					out = append(out, fmt.Sprintf("item %q: option %q has no points", it.Key, o))
				}
			}
			for o := range it.Points {
				if !f.hasOption(o) {
					out = append(out, fmt.Sprintf("item %q: points for unknown option %q", it.Key, o))
				}
			}
			a.itemMax[i] = pointsMax(it.Points, f.Kind == KindMultiChoice)
		case KindBool:
			a.itemMax[i] = math.Max(0, math.Max(it.Points["true"], it.Points["false"]))
		case KindNumber:
			if f.Max == nil || !finite(*f.Max) {
				out = append(out, fmt.Sprintf("item %q: number items need a finite declared max", it.Key))
				continue
			}
			a.itemMax[i] = math.Max(0, *f.Max)
		default:
			out = append(out, fmt.Sprintf("item %q: %s fields cannot be scored", it.Key, f.Kind))
		}
		for o, p := range it.Points {
			if p < 0 {
				out = append(out, fmt.Sprintf("item %q: negative points for %q", it.Key, o))
			}
		}
		a.max += a.itemMax[i]
	}
	return append(out, checkBands(a.Bands)...)
}

func pointsMax(points map[string]float64, additive bool) float64 {
	var m float64
	for _, p := range points {
		if additive {
			m += math.Max(0, p)
		} else if p > m {
			m = p
		}
	}
	return m
}

func (a *AdditiveScale) Score(answers AnswerStore) ScoreResult {
	var total float64
	var absent []FieldKey
	for i, it := range a.Items {
		v, ok := answers.Get(it.Key)
		if !ok {
			absent = append(absent, it.Key)
			continue
		}
		total += a.itemPoints(i, it, v)
	}
	total = math.Max(0, math.Min(a.max, total))
	return finish(ScoreResult{
		Instrument: a.InstrumentID,
		Name:       a.Title,
		Value:      total,
		Max:        a.max,
	}, a.Bands, absent)
}

func (a *AdditiveScale) itemPoints(i int, it ScaleItem, v Value) float64 {
	var limit float64
	if i < len(a.itemMax) {
		limit = a.itemMax[i]
	}
	switch v.Kind() {
	case KindSingleChoice:
		o, _ := v.AsString()
		return it.Points[o]
	case KindMultiChoice:
		set, _ := v.AsSet()
		var sum float64
		for _, o := range set {
			sum += it.Points[o]
		}
		return sum
	case KindBool:
		b, _ := v.AsBool()
		if b {
			return it.Points["true"]
		}
		return it.Points["false"]
	case KindNumber:
		n, _ := v.AsNumber()
		return math.Max(0, math.Min(limit, n))
	}
	return 0
}

func missing(answers AnswerStore, keys []FieldKey) []FieldKey {
	var out []FieldKey
	for _, k := range keys {
		if !answers.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func finish(r ScoreResult, bands []Band, absent []FieldKey) ScoreResult {
	b := classify(bands, r.Value)
	r.Band = b.Label
	r.Level = b.Level
	r.Recommendation = b.Recommendation
	if len(absent) > 0 {
		r.Incomplete = true
		r.Missing = absent
	}
	return r
}

// ComputeAll scores every instrument against answers.
func ComputeAll(instruments []Instrument, answers AnswerStore) map[string]ScoreResult {
	out := make(map[string]ScoreResult, len(instruments))
	for _, inst := range instruments {
		out[inst.ID()] = inst.Score(answers)
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
