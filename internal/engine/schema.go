package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// FieldDefinition declares one input of a form.
type FieldDefinition struct {
	ID        string    `json:"id"`
	Key       FieldKey  `json:"key"`
	Label     string    `json:"label,omitempty"`
	Kind      Kind      `json:"type"`
	Required  bool      `json:"required"`
	Min       *float64  `json:"min,omitempty"`
	Max       *float64  `json:"max,omitempty"`
	MinLength *int      `json:"min_length,omitempty"`
	MaxLength *int      `json:"max_length,omitempty"`
	Options   []string  `json:"options,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	// VisibleWhen defaults to always visible.
	VisibleWhen Predicate `json:"-"`

	section string
}

// Section returns the id of the section the field belongs to.
func (f FieldDefinition) Section() string { return f.section }

func (f FieldDefinition) MarshalJSON() ([]byte, error) {
	type plain FieldDefinition
	out := struct {
		plain
		Section     string `json:"section"`
		VisibleWhen string `json:"visible_when,omitempty"`
	}{plain: plain(f), Section: f.section}
	if f.VisibleWhen != nil {
		out.VisibleWhen = f.VisibleWhen.String()
	}
	return json.Marshal(out)
}

func (f FieldDefinition) hasOption(o string) bool {
	for _, opt := range f.Options {
		if opt == o {
			return true
		}
	}
	return false
}

// Section groups fields inside a phase. A section predicate applies to every
// field of the section in addition to the field's own predicate.
type Section struct {
	ID          string            `json:"id"`
	Title       string            `json:"title,omitempty"`
	VisibleWhen Predicate         `json:"-"`
	Fields      []FieldDefinition `json:"fields"`
}

type Phase struct {
	ID       string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Sections []Section `json:"sections"`
}

// Schema is the validated, immutable field layout of a form.
type Schema struct {
	phases []Phase
	fields []FieldDefinition
	index  map[FieldKey]int
	byID   map[string][]FieldKey

	// visibility holds the combined section and field predicate per key;
	// keys without an entry are always visible.
	visibility map[FieldKey]Predicate
	// order is a topological order of keys over visibility dependencies.
	order []FieldKey
}

// NewSchema validates phases and computes the evaluation order of the
// visibility predicates. Problems are returned together as a *ConfigError.
func NewSchema(formID string, phases []Phase) (*Schema, error) {
	s := &Schema{
		index:      make(map[FieldKey]int),
		byID:       make(map[string][]FieldKey),
		visibility: make(map[FieldKey]Predicate),
	}
	var probs problems

	if len(phases) == 0 {
		probs.add("form has no phases")
	}

	phaseSeen := make(map[string]bool)
	for pi := range phases {
		p := phases[pi]
		if p.ID == "" || strings.Contains(p.ID, ".") {
			probs.add("phase %d: invalid id %q", pi, p.ID)
		}
		if phaseSeen[p.ID] {
			probs.add("duplicate phase id %q", p.ID)
		}
		phaseSeen[p.ID] = true

		copied := Phase{ID: p.ID, Title: p.Title}
		sectionSeen := make(map[string]bool)
		for _, sec := range p.Sections {
			if sectionSeen[sec.ID] {
				probs.add("phase %q: duplicate section id %q", p.ID, sec.ID)
			}
			sectionSeen[sec.ID] = true

			secCopy := Section{ID: sec.ID, Title: sec.Title, VisibleWhen: sec.VisibleWhen}
			for _, f := range sec.Fields {
				f.Key = Key(p.ID, f.ID)
				f.section = sec.ID
				f.Options = append([]string(nil), f.Options...)
				checkField(&probs, f)
				if _, dup := s.index[f.Key]; dup {
					probs.add("duplicate field key %q", f.Key)
					continue
				}
				s.index[f.Key] = len(s.fields)
				s.fields = append(s.fields, f)
				s.byID[f.ID] = append(s.byID[f.ID], f.Key)
				secCopy.Fields = append(secCopy.Fields, f)

				switch {
				case sec.VisibleWhen != nil && f.VisibleWhen != nil:
					s.visibility[f.Key] = All(sec.VisibleWhen, f.VisibleWhen)
				case sec.VisibleWhen != nil:
					s.visibility[f.Key] = sec.VisibleWhen
				case f.VisibleWhen != nil:
					s.visibility[f.Key] = f.VisibleWhen
				}
			}
			copied.Sections = append(copied.Sections, secCopy)
		}
		s.phases = append(s.phases, copied)
	}

	for _, f := range s.fields {
		pred, ok := s.visibility[f.Key]
		if !ok {
			continue
		}
		refs := pred.Refs()
		for _, dep := range refs.Fields {
			if _, known := s.index[dep]; !known {
				probs.add("field %q: visibility references unknown field %q", f.Key, dep)
			}
		}
		for _, inst := range refs.Instruments {
			probs.add("field %q: visibility may not depend on instrument %q", f.Key, inst)
		}
	}

	if err := probs.err(formID); err != nil {
		return nil, err
	}

	order, cycle := s.topoOrder()
	if cycle != nil {
		probs.add("visibility cycle between fields %s", joinKeys(cycle))
		return nil, probs.err(formID)
	}
	s.order = order
	return s, nil
}

func checkField(probs *problems, f FieldDefinition) {
	if f.ID == "" || strings.Contains(f.ID, ".") {
		probs.add("field %q: invalid id", f.Key)
	}
	if _, ok := kindNames[f.Kind]; !ok {
		probs.add("field %q: invalid type", f.Key)
		return
	}
	choice := f.Kind == KindSingleChoice || f.Kind == KindMultiChoice
	if choice && len(f.Options) == 0 {
		probs.add("field %q: %s field needs options", f.Key, f.Kind)
	}
	if !choice && len(f.Options) > 0 {
		probs.add("field %q: options are only allowed on choice fields", f.Key)
	}
	seen := make(map[string]bool, len(f.Options))
	for _, o := range f.Options {
		if seen[o] {
			probs.add("field %q: duplicate option %q", f.Key, o)
		}
		seen[o] = true
	}
	if (f.Min != nil || f.Max != nil) && f.Kind != KindNumber {
		probs.add("field %q: numeric bounds on a %s field", f.Key, f.Kind)
	}
	if (f.Min != nil && math.IsNaN(*f.Min)) || (f.Max != nil && math.IsNaN(*f.Max)) {
		probs.add("field %q: bounds must be numbers", f.Key)
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		probs.add("field %q: min %v exceeds max %v", f.Key, *f.Min, *f.Max)
	}
	if (f.MinLength != nil || f.MaxLength != nil) && f.Kind != KindText {
		probs.add("field %q: length bounds on a %s field", f.Key, f.Kind)
	}
	if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
		probs.add("field %q: min_length exceeds max_length", f.Key)
	}
}

// topoOrder runs Kahn's algorithm over visibility dependencies, breaking ties
// by schema order. It returns the keys left in a cycle when one exists.
func (s *Schema) topoOrder() ([]FieldKey, []FieldKey) {
	indegree := make([]int, len(s.fields))
	dependents := make([][]int, len(s.fields))
	for i, f := range s.fields {
		pred, ok := s.visibility[f.Key]
		if !ok {
			continue
		}
		for _, dep := range uniqueKeys(pred.Refs().Fields) {
			j := s.index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	order := make([]FieldKey, 0, len(s.fields))
	done := make([]bool, len(s.fields))
	for len(order) < len(s.fields) {
		next := -1
		for i := range s.fields {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cycle []FieldKey
			for i, f := range s.fields {
				if !done[i] {
					cycle = append(cycle, f.Key)
				}
			}
			return nil, cycle
		}
		done[next] = true
		order = append(order, s.fields[next].Key)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}

func joinKeys(keys []FieldKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

func (s *Schema) Phases() []Phase { return s.phases }

// Fields returns every field in declaration order.
func (s *Schema) Fields() []FieldDefinition { return s.fields }

func (s *Schema) Field(key FieldKey) (FieldDefinition, bool) {
	i, ok := s.index[key]
	if !ok {
		return FieldDefinition{}, false
	}
	return s.fields[i], true
}

// Resolve maps a full key or a bare field id to a key. A bare id must be
// unique across phases.
func (s *Schema) Resolve(ref string) (FieldKey, error) {
	if _, ok := s.index[FieldKey(ref)]; ok {
		return FieldKey(ref), nil
	}
	keys := s.byID[ref]
	switch len(keys) {
	case 0:
		return "", fmt.Errorf("unknown field %q", ref)
	case 1:
		return keys[0], nil
	}
	return "", fmt.Errorf("field id %q is ambiguous between %s", ref, joinKeys(keys))
}

// PhaseIndex returns the position of a phase or -1.
func (s *Schema) PhaseIndex(id string) int {
	for i, p := range s.phases {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Check validates v against the declared type and bounds of key.
func (s *Schema) Check(key FieldKey, v Value) error {
	f, ok := s.Field(key)
	if !ok {
		return &InputError{Key: key, Reason: "unknown field"}
	}
	if v.Kind() != f.Kind {
		return &InputError{Key: key, Reason: fmt.Sprintf("expected %s, got %s", f.Kind, v.Kind())}
	}
	switch f.Kind {
	case KindNumber:
		n, _ := v.AsNumber()
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return &InputError{Key: key, Reason: "not a finite number"}
		}
		if f.Min != nil && n < *f.Min {
			return &InputError{Key: key, Reason: fmt.Sprintf("%v is below minimum %v", n, *f.Min)}
		}
		if f.Max != nil && n > *f.Max {
			return &InputError{Key: key, Reason: fmt.Sprintf("%v is above maximum %v", n, *f.Max)}
		}
	case KindText:
		t, _ := v.AsString()
		length := utf8.RuneCountInString(t)
		if f.MinLength != nil && length < *f.MinLength {
			return &InputError{Key: key, Reason: fmt.Sprintf("shorter than %d characters", *f.MinLength)}
		}
		if f.MaxLength != nil && length > *f.MaxLength {
			return &InputError{Key: key, Reason: fmt.Sprintf("longer than %d characters", *f.MaxLength)}
		}
	case KindSingleChoice:
		o, _ := v.AsString()
		if !f.hasOption(o) {
			return &InputError{Key: key, Reason: fmt.Sprintf("%q is not an option", o)}
		}
	case KindMultiChoice:
		set, _ := v.AsSet()
		for _, o := range set {
			if !f.hasOption(o) {
				return &InputError{Key: key, Reason: fmt.Sprintf("%q is not an option", o)}
			}
		}
	}
	return nil
}
