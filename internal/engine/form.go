package engine

import (
	"fmt"
	"sort"
)

// FormInfo is the descriptive metadata of a form.
type FormInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Specialty   string `json:"specialty"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// Form is a validated examination form: schema, instruments, alert bank and
// adaptive flags. A Form is immutable once built and may be shared by any
// number of sessions.
type Form struct {
	FormInfo
	Schema      *Schema
	Instruments []Instrument
	Rules       []Rule
	Flags       []FlagDef

	instrumentIndex map[string]int
}

// Definition is the unvalidated input of NewForm.
type Definition struct {
	Info        FormInfo
	Phases      []Phase
	Instruments []Instrument
	Rules       []Rule
	Flags       []FlagDef
}

// NewForm validates a definition. Every problem found is reported in a single
// *ConfigError.
func NewForm(def Definition) (*Form, error) {
	var probs problems
	if def.Info.ID == "" {
		probs.add("form id is required")
	}

	schema, err := NewSchema(def.Info.ID, def.Phases)
	if err != nil {
		return nil, err
	}

	f := &Form{
		FormInfo:        def.Info,
		Schema:          schema,
		Instruments:     def.Instruments,
		Rules:           def.Rules,
		Flags:           def.Flags,
		instrumentIndex: make(map[string]int, len(def.Instruments)),
	}

	for i, inst := range def.Instruments {
		id := inst.ID()
		if id == "" {
			probs.add("instrument %d: id is required", i)
			continue
		}
		if _, dup := f.instrumentIndex[id]; dup {
			probs.add("duplicate instrument id %q", id)
			continue
		}
		f.instrumentIndex[id] = i
		for _, p := range inst.Prepare(schema) {
			probs.add("instrument %q: %s", id, p)
		}
	}

	for i, r := range def.Rules {
		name := r.ID
		if name == "" {
			probs.add("rule %d: id is required", i)
			name = fmt.Sprintf("#%d", i)
		}
		if !r.Severity.valid() {
			probs.add("rule %q: invalid severity %q", name, r.Severity)
		}
		if r.Message == "" {
			probs.add("rule %q: message is required", name)
		}
		if r.When == nil {
			probs.add("rule %q: condition is required", name)
			continue
		}
		f.checkRefs(&probs, fmt.Sprintf("rule %q", name), r.When.Refs())
	}

	sections := make(map[string]bool)
	for _, p := range schema.phases {
		for _, s := range p.Sections {
			sections[s.ID] = true
			sections[p.ID+"."+s.ID] = true
		}
	}
	flagSeen := make(map[string]bool, len(def.Flags))
	for i, fl := range def.Flags {
		if fl.ID == "" {
			probs.add("flag %d: id is required", i)
			continue
		}
		if flagSeen[fl.ID] {
			probs.add("duplicate flag id %q", fl.ID)
		}
		flagSeen[fl.ID] = true
		if fl.When == nil {
			probs.add("flag %q: condition is required", fl.ID)
		} else {
			f.checkRefs(&probs, fmt.Sprintf("flag %q", fl.ID), fl.When.Refs())
		}
		for _, s := range fl.Unlocks {
			if !sections[s] {
				probs.add("flag %q: unlocks unknown section %q", fl.ID, s)
			}
		}
	}

	if err := probs.err(def.Info.ID); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Form) checkRefs(probs *problems, owner string, refs Refs) {
	for _, k := range refs.Fields {
		if _, ok := f.Schema.Field(k); !ok {
			probs.add("%s references unknown field %q", owner, k)
		}
	}
	for _, id := range refs.Instruments {
		if _, ok := f.instrumentIndex[id]; !ok {
			probs.add("%s references unknown instrument %q", owner, id)
		}
	}
}

// Instrument looks up an instrument by id.
func (f *Form) Instrument(id string) (Instrument, bool) {
	i, ok := f.instrumentIndex[id]
	if !ok {
		return nil, false
	}
	return f.Instruments[i], true
}

// FlagIDs returns the declared flag ids in sorted order.
func (f *Form) FlagIDs() []string {
	ids := make([]string, len(f.Flags))
	for i, fl := range f.Flags {
		ids[i] = fl.ID
	}
	sort.Strings(ids)
	return ids
}
