package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/engine"
)

var (
	keySmoker = engine.Key("history", "smoker")
	keyPacks  = engine.Key("history", "packYears")
	keyNotes  = engine.Key("history", "notes")
	keySpO2   = engine.Key("exam", "spo2")
)

func testForm(t *testing.T) *engine.Form {
	t.Helper()
	lo, hi := 50.0, 100.0
	form, err := engine.NewForm(engine.Definition{
		Info: engine.FormInfo{ID: "resp", Title: "Respiratory", Specialty: "pulmonology", Version: "1"},
		Phases: []engine.Phase{
			{ID: "history", Sections: []engine.Section{{ID: "tobacco", Fields: []engine.FieldDefinition{
				{ID: "smoker", Kind: engine.KindBool, Required: true},
				{ID: "packYears", Kind: engine.KindNumber, Required: true, VisibleWhen: engine.IsTrue(keySmoker)},
				{ID: "notes", Kind: engine.KindText},
			}}}},
			{ID: "exam", Sections: []engine.Section{{ID: "vitals", Fields: []engine.FieldDefinition{
				{ID: "spo2", Kind: engine.KindNumber, Required: true, Min: &lo, Max: &hi},
			}}}},
		},
		Rules: []engine.Rule{{
			ID: "hypoxia", Severity: engine.SeverityCritical, Message: "SpO2 below 90%",
			When: engine.Func("spo2 < 90", engine.Refs{Fields: []engine.FieldKey{keySpO2}}, func(env engine.Env) bool {
				v, ok := env.Answer(keySpO2)
				n, _ := v.AsNumber()
				return ok && n < 90
			}),
		}},
		Flags: []engine.FlagDef{{ID: "cessation", When: engine.IsTrue(keySmoker)}},
	})
	if err != nil {
		t.Fatalf("NewForm: %v", err)
	}
	return form
}

type recorder struct {
	mu        sync.Mutex
	snapshots []*engine.Snapshot
	completed []Completion
	err       error
}

func (r *recorder) OnSnapshotChanged(_ context.Context, _ uuid.UUID, snap *engine.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snap)
}

func (r *recorder) OnComplete(_ context.Context, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, c)
	return r.err
}

func newSession(t *testing.T, policy CompletionPolicy) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := New(testForm(t), Options{
		Policy:     policy,
		Logger:     zerolog.Nop(),
		Listeners:  []SnapshotListener{rec},
		OnComplete: []CompletionListener{rec},
	})
	return s, rec
}

func TestSession_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, rec := newSession(t, PolicyStrict)
	if s.State() != StateEmpty {
		t.Fatalf("expected empty, got %s", s.State())
	}

	if _, err := s.OnAnswer(ctx, "history", "smoker", engine.Bool(false)); err != nil {
		t.Fatalf("OnAnswer: %v", err)
	}
	if s.State() != StateInProgress {
		t.Errorf("expected in_progress, got %s", s.State())
	}

	if _, err := s.AdvancePhase(); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	if _, err := s.SetAnswer(ctx, keySpO2, engine.Number(97)); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	pos, err := s.ReviewPhase()
	if err != nil {
		t.Fatalf("ReviewPhase: %v", err)
	}
	if pos.Phase != "exam" || pos.Phases["history"] != PhaseReviewed || pos.Phases["exam"] != PhaseReviewed {
		t.Errorf("unexpected position %+v", pos)
	}
	if s.State() != StateReviewed {
		t.Errorf("expected reviewed, got %s", s.State())
	}

	snap, err := s.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if s.State() != StateCompleted {
		t.Errorf("expected completed, got %s", s.State())
	}
	if len(rec.snapshots) != 2 {
		t.Errorf("expected 2 snapshot notifications, got %d", len(rec.snapshots))
	}
	if len(rec.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(rec.completed))
	}
	c := rec.completed[0]
	if c.Snapshot != snap || c.Answers.Len() != 2 || c.Form.ID != "resp" || len(c.Journal) != 2 {
		t.Errorf("unexpected completion %+v", c)
	}
}

func TestSession_EditRevertsReview(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, PolicyStrict)
	s.SetAnswer(ctx, keySmoker, engine.Bool(false))
	s.AdvancePhase()
	s.SetAnswer(ctx, keySpO2, engine.Number(97))
	s.ReviewPhase()
	if s.State() != StateReviewed {
		t.Fatalf("expected reviewed, got %s", s.State())
	}

	if _, err := s.SetAnswer(ctx, keyNotes, engine.Text("quit 2019")); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	pos := s.Position()
	if s.State() != StateInProgress || pos.Phases["history"] != PhaseInProgress || pos.Phases["exam"] != PhaseReviewed {
		t.Errorf("expected history back in progress, got %s %+v", s.State(), pos)
	}
}

func TestSession_InputErrorLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	s, rec := newSession(t, PolicyStrict)
	if _, err := s.SetAnswer(ctx, keySpO2, engine.Number(95)); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	tests := []struct {
		name string
		key  engine.FieldKey
		v    engine.Value
	}{
		{"above max", keySpO2, engine.Number(120)},
		{"below min", keySpO2, engine.Number(10)},
		{"wrong type", keySpO2, engine.Text("95")},
		{"unknown field", "exam.pulse", engine.Number(80)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SetAnswer(ctx, tt.key, tt.v)
			var in *engine.InputError
			if !errors.As(err, &in) {
				t.Fatalf("expected *engine.InputError, got %v", err)
			}
			v, ok := s.Answers().Get(keySpO2)
			if !ok || !v.Equal(engine.Number(95)) {
				t.Errorf("store changed: %v", v)
			}
		})
	}
	if len(rec.snapshots) != 1 {
		t.Errorf("rejected input must not notify, got %d notifications", len(rec.snapshots))
	}
	entries := s.Journal()
	if len(entries) != 5 || entries[4].Outcome != OutcomeRejected || entries[4].Reason != "unknown field" {
		t.Errorf("unexpected journal %+v", entries)
	}
}

func TestSession_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, PolicyStrict)
	first, err := s.SetAnswer(ctx, keySmoker, engine.Bool(true))
	if err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	second, err := s.SetAnswer(ctx, keySmoker, engine.Bool(true))
	if err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("snapshots differ:\n%s", diff)
	}
}

func TestSession_RetractionClearsFlagAndHidesField(t *testing.T) {
	ctx := context.Background()
	s, _ := newSession(t, PolicyStrict)
	s.SetAnswer(ctx, keySmoker, engine.Bool(true))
	snap, _ := s.SetAnswer(ctx, keyPacks, engine.Number(30))
	if !snap.Flag("cessation") || !snap.IsVisible(keyPacks) {
		t.Fatalf("expected flag and pack years visible, got %+v", snap)
	}

	snap, err := s.ClearAnswer(ctx, keySmoker)
	if err != nil {
		t.Fatalf("ClearAnswer: %v", err)
	}
	if snap.Flag("cessation") {
		t.Error("flag must clear on the next recompute")
	}
	if snap.IsVisible(keyPacks) {
		t.Error("pack years must be hidden")
	}
	if diff := cmp.Diff([]engine.FieldKey{keyPacks}, snap.Stale); diff != "" {
		t.Errorf("stale mismatch:\n%s", diff)
	}
	if !s.Answers().Has(keyPacks) {
		t.Error("stale answers are kept in the store")
	}
}

func TestSession_CompletePolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("strict refuses missing fields", func(t *testing.T) {
		s, rec := newSession(t, PolicyStrict)
		s.SetAnswer(ctx, keySmoker, engine.Bool(true))
		snap, err := s.Complete(ctx)
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("expected ErrIncomplete, got %v", err)
		}
		if snap == nil || snap.Progress.Complete() {
			t.Error("expected the incomplete snapshot back")
		}
		if s.State() != StateInProgress || len(rec.completed) != 0 {
			t.Error("a refused completion must not change state or notify")
		}
	})

	t.Run("best effort completes", func(t *testing.T) {
		s, rec := newSession(t, PolicyBestEffort)
		s.SetAnswer(ctx, keySmoker, engine.Bool(true))
		if _, err := s.Complete(ctx); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if s.State() != StateCompleted || len(rec.completed) != 1 {
			t.Error("expected completion")
		}
	})

	t.Run("empty session cannot complete", func(t *testing.T) {
		s, _ := newSession(t, PolicyBestEffort)
		if _, err := s.Complete(ctx); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestSession_CompletedIsFinal(t *testing.T) {
	ctx := context.Background()
	s, rec := newSession(t, PolicyBestEffort)
	s.SetAnswer(ctx, keySmoker, engine.Bool(false))
	final, err := s.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := s.SetAnswer(ctx, keySpO2, engine.Number(97)); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("SetAnswer: expected ErrSessionCompleted, got %v", err)
	}
	if _, err := s.ClearAnswer(ctx, keySmoker); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("ClearAnswer: expected ErrSessionCompleted, got %v", err)
	}
	if _, err := s.Complete(ctx); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("Complete: expected ErrSessionCompleted, got %v", err)
	}
	if _, err := s.AdvancePhase(); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("AdvancePhase: expected ErrSessionCompleted, got %v", err)
	}
	if len(rec.completed) != 1 {
		t.Errorf("OnComplete must run exactly once, ran %d times", len(rec.completed))
	}
	if s.Snapshot() != final || s.Answers().Has(keySpO2) {
		t.Error("completed session must not change")
	}
	last := s.Journal()[len(s.Journal())-1]
	if last.Outcome != OutcomeRejected {
		t.Errorf("rejected mutation must be journaled, got %+v", last)
	}
}

func TestSession_CompletionListenerError(t *testing.T) {
	ctx := context.Background()
	s, rec := newSession(t, PolicyBestEffort)
	rec.err = errors.New("disk full")
	s.SetAnswer(ctx, keySmoker, engine.Bool(false))
	_, err := s.Complete(ctx)
	if err == nil || !errors.Is(err, rec.err) {
		t.Fatalf("expected listener error, got %v", err)
	}
	if s.State() != StateCompleted {
		t.Error("session stays completed when a listener fails")
	}
}

func TestSession_Navigation(t *testing.T) {
	s, rec := newSession(t, PolicyStrict)
	if _, err := s.RetreatPhase(); !errors.Is(err, ErrNoPreviousPhase) {
		t.Errorf("expected ErrNoPreviousPhase, got %v", err)
	}
	if _, err := s.AdvancePhase(); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	if _, err := s.AdvancePhase(); !errors.Is(err, ErrNoNextPhase) {
		t.Errorf("expected ErrNoNextPhase, got %v", err)
	}
	pos, err := s.RetreatPhase()
	if err != nil || pos.Phase != "history" {
		t.Errorf("expected history, got %+v, %v", pos, err)
	}
	if s.Answers().Len() != 0 || len(rec.snapshots) != 0 || s.State() != StateEmpty {
		t.Error("navigation must not touch answers, state or listeners")
	}
}

func TestSession_ViewAndElapsed(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := New(testForm(t), Options{Logger: zerolog.Nop(), Now: clock, Policy: PolicyBestEffort})
	s.SetAnswer(context.Background(), keySmoker, engine.Bool(false))

	now = now.Add(90 * time.Second)
	if s.Elapsed() != 90*time.Second {
		t.Errorf("expected 90s, got %v", s.Elapsed())
	}
	s.Complete(context.Background())
	now = now.Add(time.Hour)
	if s.Elapsed() != 90*time.Second {
		t.Errorf("elapsed must freeze at completion, got %v", s.Elapsed())
	}

	v := s.View()
	if v.State != StateCompleted || v.CompletedAt == nil || v.FormID != "resp" || v.Snapshot == nil {
		t.Errorf("unexpected view %+v", v)
	}
	if !v.StartedAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", v.StartedAt)
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateEmpty, StateInProgress, true},
		{StateEmpty, StateCompleted, false},
		{StateEmpty, StateReviewed, false},
		{StateInProgress, StateReviewed, true},
		{StateInProgress, StateCompleted, true},
		{StateReviewed, StateInProgress, true},
		{StateReviewed, StateCompleted, true},
		{StateCompleted, StateInProgress, false},
		{StateCompleted, StateCompleted, false},
		{StateInProgress, StateInProgress, true},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyStrict {
		t.Errorf("empty: got %q, %v", p, err)
	}
	if p, err := ParsePolicy("best_effort"); err != nil || p != PolicyBestEffort {
		t.Errorf("best_effort: got %q, %v", p, err)
	}
	if _, err := ParsePolicy("lenient"); err == nil {
		t.Error("expected error")
	}
}

func TestSession_SetRawAnswer(t *testing.T) {
	ctx := context.Background()
	s, rec := newSession(t, PolicyBestEffort)

	snap, err := s.SetRawAnswer(ctx, keySpO2, json.RawMessage(`88`))
	if err != nil {
		t.Fatalf("SetRawAnswer: %v", err)
	}
	if len(snap.Alerts) != 1 {
		t.Errorf("expected the hypoxia alert, got %+v", snap.Alerts)
	}

	tests := []struct {
		name string
		key  engine.FieldKey
		raw  string
	}{
		{"wrong type", keySpO2, `"low"`},
		{"out of range", keySpO2, `500`},
		{"unknown field", "exam.pulse", `80`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SetRawAnswer(ctx, tt.key, json.RawMessage(tt.raw))
			var in *engine.InputError
			if !errors.As(err, &in) {
				t.Fatalf("expected *engine.InputError, got %v", err)
			}
		})
	}
	entries := s.Journal()
	if len(entries) != 4 {
		t.Fatalf("every rejection must be journaled, got %+v", entries)
	}
	for _, e := range entries[1:] {
		if e.Outcome != OutcomeRejected {
			t.Errorf("expected rejected entry, got %+v", e)
		}
	}
	if len(rec.snapshots) != 1 {
		t.Errorf("rejected input must not notify, got %d notifications", len(rec.snapshots))
	}

	if _, err := s.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := s.SetRawAnswer(ctx, keySpO2, json.RawMessage(`"high"`)); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("expected ErrSessionCompleted before decoding, got %v", err)
	}
}
