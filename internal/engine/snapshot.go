package engine

import (
	"sort"
)

// Snapshot is the full result of one recompute. It is built once and never
// modified, so it may be read from any number of goroutines.
type Snapshot struct {
	FormID  string     `json:"form_id"`
	Visible []FieldKey `json:"visible"`
	Stale   []FieldKey `json:"stale,omitempty"`
	// Scores is keyed by instrument id; ScoreOrder keeps declaration order.
	Scores      map[string]ScoreResult `json:"scores"`
	ScoreOrder  []string               `json:"score_order"`
	Alerts      []Alert                `json:"alerts"`
	Flags       map[string]bool        `json:"flags"`
	ActiveFlags []string               `json:"active_flags"`
	Progress    Progress               `json:"progress"`
}

// Score returns the result of one instrument.
func (s *Snapshot) Score(id string) (ScoreResult, bool) {
	r, ok := s.Scores[id]
	return r, ok
}

// Flag reports whether an adaptive flag is active.
func (s *Snapshot) Flag(id string) bool { return s.Flags[id] }

// IsVisible reports whether key is among the visible fields.
func (s *Snapshot) IsVisible(key FieldKey) bool {
	for _, k := range s.Visible {
		if k == key {
			return true
		}
	}
	return false
}

// HighestSeverity is the level of the first alert, or "" when none fired.
func (s *Snapshot) HighestSeverity() Severity {
	if len(s.Alerts) == 0 {
		return ""
	}
	return s.Alerts[0].Severity
}

// Evaluate runs the full pipeline over answers: visibility, then scores over
// the visible answers, then alerts and flags over answers and scores, then
// progress. answers is not modified.
func (f *Form) Evaluate(answers AnswerStore) *Snapshot {
	vis := Resolve(f.Schema, answers)
	effective := vis.Effective()

	scores := ComputeAll(f.Instruments, effective)
	order := make([]string, len(f.Instruments))
	for i, inst := range f.Instruments {
		order[i] = inst.ID()
	}

	env := NewEnv(effective, scores)
	alerts := EvaluateAlerts(f.Rules, env)
	flags := ActivateFlags(f.Flags, env)

	var active []string
	for id, on := range flags {
		if on {
			active = append(active, id)
		}
	}
	sort.Strings(active)

	return &Snapshot{
		FormID:      f.ID,
		Visible:     vis.Keys(),
		Stale:       vis.Stale(),
		Scores:      scores,
		ScoreOrder:  order,
		Alerts:      alerts,
		Flags:       flags,
		ActiveFlags: active,
		Progress:    TrackProgress(f.Schema, vis),
	}
}
