package catalog

import (
	"fmt"

	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/engine/expr"
)

// Build compiles a document into a validated form. Condition and reference
// problems are gathered into one *engine.ConfigError; the form is never
// returned partially.
func Build(doc *Document) (*engine.Form, error) {
	c := &compiler{form: doc.ID}

	// Names are resolved against the field layout alone, so the layout is
	// validated once without any visibility conditions.
	base, err := engine.NewSchema(doc.ID, c.phases(doc.Phases, nil))
	if err != nil {
		return nil, err
	}
	c.fields = expr.Scope{Schema: base}
	c.scores = expr.Scope{Schema: base, Instruments: make(map[string]bool, len(doc.Instruments))}
	for _, in := range doc.Instruments {
		c.scores.Instruments[in.ID] = true
	}

	def := engine.Definition{
		Info: engine.FormInfo{
			ID:          doc.ID,
			Title:       doc.Title,
			Specialty:   doc.Specialty,
			Version:     doc.Version,
			Description: doc.Description,
		},
		Phases: c.phases(doc.Phases, c.compileVisibility),
	}
	for _, in := range doc.Instruments {
		if inst := c.instrument(base, in); inst != nil {
			def.Instruments = append(def.Instruments, inst)
		}
	}
	for _, r := range doc.Rules {
		def.Rules = append(def.Rules, c.rule(r))
	}
	for _, f := range doc.Flags {
		def.Flags = append(def.Flags, engine.FlagDef{
			ID:          f.ID,
			Description: f.Description,
			Unlocks:     f.Unlocks,
			When:        c.compile(fmt.Sprintf("flag %q", f.ID), f.When, c.scores),
		})
	}

	if len(c.problems) > 0 {
		return nil, &engine.ConfigError{Form: doc.ID, Problems: c.problems}
	}
	return engine.NewForm(def)
}

type compiler struct {
	form     string
	fields   expr.Scope
	scores   expr.Scope
	problems []string
}

func (c *compiler) addf(format string, args ...interface{}) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

// compile returns nil for an empty condition and records any error.
func (c *compiler) compile(owner, src string, scope expr.Scope) engine.Predicate {
	if src == "" {
		return nil
	}
	p, err := expr.Compile(src, scope)
	if err != nil {
		c.addf("%s: %v", owner, err)
		return nil
	}
	return p
}

func (c *compiler) compileVisibility(owner, src string) engine.Predicate {
	return c.compile(owner, src, c.fields)
}

func (c *compiler) phases(docs []PhaseDoc, visible func(owner, src string) engine.Predicate) []engine.Phase {
	phases := make([]engine.Phase, 0, len(docs))
	for _, pd := range docs {
		p := engine.Phase{ID: pd.ID, Title: pd.Title}
		for _, sd := range pd.Sections {
			s := engine.Section{ID: sd.ID, Title: sd.Title}
			if visible != nil {
				s.VisibleWhen = visible(fmt.Sprintf("section %s.%s", pd.ID, sd.ID), sd.VisibleWhen)
			}
			for _, fd := range sd.Fields {
				f, err := field(fd)
				if err != nil {
					if visible == nil {
						c.addf("field %s.%s: %v", pd.ID, fd.ID, err)
					}
					continue
				}
				if visible != nil {
					f.VisibleWhen = visible(fmt.Sprintf("field %s.%s", pd.ID, fd.ID), fd.VisibleWhen)
				}
				s.Fields = append(s.Fields, f)
			}
			p.Sections = append(p.Sections, s)
		}
		phases = append(phases, p)
	}
	return phases
}

func field(fd FieldDoc) (engine.FieldDefinition, error) {
	kind, err := engine.ParseKind(fd.Type)
	if err != nil {
		return engine.FieldDefinition{}, err
	}
	required := true
	if fd.Required != nil {
		required = *fd.Required
	}
	return engine.FieldDefinition{
		ID:        fd.ID,
		Label:     fd.Label,
		Kind:      kind,
		Required:  required,
		Min:       fd.Min,
		Max:       fd.Max,
		MinLength: fd.MinLength,
		MaxLength: fd.MaxLength,
		Options:   fd.Options,
		Unit:      fd.Unit,
	}, nil
}

func (c *compiler) instrument(schema *engine.Schema, in InstrumentDoc) engine.Instrument {
	owner := fmt.Sprintf("instrument %q", in.ID)
	bands := c.bands(owner, in.Bands)

	switch in.Type {
	case instrumentWeighted:
		w := &engine.WeightedEvidence{InstrumentID: in.ID, Title: in.Name, Bands: bands}
		for _, ref := range in.Critical {
			key, err := schema.Resolve(ref)
			if err != nil {
				c.addf("%s: critical: %v", owner, err)
				continue
			}
			w.Critical = append(w.Critical, key)
		}
		for i, cd := range in.Contributions {
			label := cd.Label
			if label == "" {
				label = fmt.Sprintf("#%d", i)
			}
			w.Contributions = append(w.Contributions, engine.Contribution{
				Label:  label,
				Points: cd.Points,
				When:   c.compile(fmt.Sprintf("%s contribution %q", owner, label), cd.When, c.fields),
			})
		}
		return w

	case instrumentAdditive:
		a := &engine.AdditiveScale{InstrumentID: in.ID, Title: in.Name, Bands: bands}
		for _, it := range in.Items {
			key, err := schema.Resolve(it.Field)
			if err != nil {
				c.addf("%s: item: %v", owner, err)
				continue
			}
			a.Items = append(a.Items, engine.ScaleItem{Key: key, Points: it.Points})
		}
		return a
	}

	c.addf("%s: unknown type %q (want %s or %s)", owner, in.Type, instrumentWeighted, instrumentAdditive)
	return nil
}

func (c *compiler) bands(owner string, docs []BandDoc) []engine.Band {
	bands := make([]engine.Band, 0, len(docs))
	for _, bd := range docs {
		b := engine.Band{Min: bd.Min, Label: bd.Label, Recommendation: bd.Recommendation}
		if bd.Level != "" {
			level, ok := engine.ParseSeverity(bd.Level)
			if !ok {
				c.addf("%s: band %q: unknown level %q", owner, bd.Label, bd.Level)
			}
			b.Level = level
		}
		bands = append(bands, b)
	}
	return bands
}

func (c *compiler) rule(rd RuleDoc) engine.Rule {
	owner := fmt.Sprintf("rule %q", rd.ID)
	sev, ok := engine.ParseSeverity(rd.Severity)
	if !ok {
		c.addf("%s: unknown severity %q", owner, rd.Severity)
	}
	r := engine.Rule{
		ID:       rd.ID,
		Severity: sev,
		Message:  rd.Message,
		Action:   rd.Action,
		Labels:   rd.Labels,
		When:     c.compile(owner, rd.When, c.scores),
	}
	if len(r.Labels) == 0 && r.When != nil {
		r.Labels = []string{r.When.String()}
	}
	return r
}
