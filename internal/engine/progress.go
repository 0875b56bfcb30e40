package engine

// PhaseProgress counts required visible fields of one phase.
type PhaseProgress struct {
	PhaseID  string  `json:"phase_id"`
	Required int     `json:"required"`
	Answered int     `json:"answered"`
	Percent  float64 `json:"percent"`
}

type Progress struct {
	Phases  []PhaseProgress `json:"phases"`
	Overall float64         `json:"overall"`
}

// Complete reports whether every required visible field is answered.
func (p Progress) Complete() bool {
	for _, ph := range p.Phases {
		if ph.Answered < ph.Required {
			return false
		}
	}
	return true
}

// TrackProgress computes per-phase completion as answered over required
// visible fields. A phase without required visible fields counts as done.
// Overall is the unweighted mean of the phase percentages.
func TrackProgress(schema *Schema, vis Visibility) Progress {
	effective := vis.Effective()
	p := Progress{Phases: make([]PhaseProgress, 0, len(schema.phases))}
	var sum float64
	for _, phase := range schema.phases {
		pp := PhaseProgress{PhaseID: phase.ID}
		for _, sec := range phase.Sections {
			for _, f := range sec.Fields {
				if !f.Required || !vis.IsVisible(f.Key) {
					continue
				}
				pp.Required++
				if effective.Has(f.Key) {
					pp.Answered++
				}
			}
		}
		pp.Percent = 100
		if pp.Required > 0 {
			pp.Percent = 100 * float64(pp.Answered) / float64(pp.Required)
		}
		sum += pp.Percent
		p.Phases = append(p.Phases, pp)
	}
	if len(p.Phases) > 0 {
		p.Overall = sum / float64(len(p.Phases))
	}
	return p
}
