package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/engine"
)

// Options configure a new session.
type Options struct {
	ID         uuid.UUID
	Policy     CompletionPolicy
	Logger     zerolog.Logger
	Listeners  []SnapshotListener
	OnComplete []CompletionListener
	Now        func() time.Time
}

// Session is the single writer of one examination's answers. Every
// mutation recomputes the full snapshot before it returns.
type Session struct {
	mu sync.Mutex

	id       uuid.UUID
	form     *engine.Form
	policy   CompletionPolicy
	logger   zerolog.Logger
	now      func() time.Time
	journal  *Journal
	snapshot *engine.Snapshot

	answers  engine.AnswerStore
	state    State
	phases   []PhaseStatus
	current  int
	started  time.Time
	finished time.Time

	listeners  []SnapshotListener
	completion []CompletionListener
}

// New starts an empty session on form.
func New(form *engine.Form, opts Options) *Session {
	if opts.ID == uuid.Nil {
		opts.ID = uuid.New()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyStrict
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		id:         opts.ID,
		form:       form,
		policy:     opts.Policy,
		logger:     opts.Logger.With().Str("session_id", opts.ID.String()).Str("form_id", form.ID).Logger(),
		now:        opts.Now,
		journal:    NewJournal(opts.Now),
		answers:    engine.NewAnswerStore(),
		state:      StateEmpty,
		phases:     make([]PhaseStatus, len(form.Schema.Phases())),
		started:    opts.Now(),
		listeners:  opts.Listeners,
		completion: opts.OnComplete,
	}
	for i := range s.phases {
		s.phases[i] = PhaseNotStarted
	}
	s.snapshot = form.Evaluate(s.answers)
	return s
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Form() *engine.Form { return s.form }

// Subscribe adds a snapshot listener.
func (s *Session) Subscribe(l SnapshotListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Snapshot returns the latest snapshot.
func (s *Session) Snapshot() *engine.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Answers returns a copy of the raw answers, including stale ones.
func (s *Session) Answers() engine.AnswerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers.Clone()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Journal() []JournalEntry { return s.journal.Entries() }

// OnAnswer is SetAnswer addressed by phase and field id.
func (s *Session) OnAnswer(ctx context.Context, phaseID, fieldID string, v engine.Value) (*engine.Snapshot, error) {
	return s.SetAnswer(ctx, engine.Key(phaseID, fieldID), v)
}

// SetAnswer validates and stores one answer, then recomputes. A rejected
// value leaves the store untouched and returns an *engine.InputError.
func (s *Session) SetAnswer(ctx context.Context, key engine.FieldKey, v engine.Value) (*engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted {
		return nil, s.rejectCompleted(key, &v)
	}
	return s.set(ctx, key, v)
}

// SetRawAnswer is SetAnswer for undecoded input such as a request body. The
// value is decoded with the field's declared kind; input that does not decode
// is rejected and journaled like any other invalid value.
func (s *Session) SetRawAnswer(ctx context.Context, key engine.FieldKey, raw json.RawMessage) (*engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted {
		return nil, s.rejectCompleted(key, nil)
	}
	field, ok := s.form.Schema.Field(key)
	if !ok {
		err := &engine.InputError{Key: key, Reason: "unknown field"}
		s.journal.Append(key, nil, OutcomeRejected, err.Reason)
		return nil, err
	}
	v, err := engine.DecodeValue(field.Kind, raw)
	if err != nil {
		in := &engine.InputError{Key: key, Reason: err.Error()}
		s.journal.Append(key, nil, OutcomeRejected, in.Reason)
		s.logger.Debug().Err(err).Str("key", string(key)).Msg("answer rejected")
		return nil, in
	}
	return s.set(ctx, key, v)
}

func (s *Session) rejectCompleted(key engine.FieldKey, v *engine.Value) error {
	s.journal.Append(key, v, OutcomeRejected, ErrSessionCompleted.Error())
	s.logger.Warn().Str("key", string(key)).Msg("answer after completion ignored")
	return ErrSessionCompleted
}

// set validates, stores and recomputes. Callers hold s.mu.
func (s *Session) set(ctx context.Context, key engine.FieldKey, v engine.Value) (*engine.Snapshot, error) {
	if err := s.form.Schema.Check(key, v); err != nil {
		s.journal.Append(key, &v, OutcomeRejected, reason(err))
		s.logger.Debug().Err(err).Str("key", string(key)).Msg("answer rejected")
		return nil, err
	}

	s.answers.Set(key, v)
	s.journal.Append(key, &v, OutcomeApplied, "")
	s.touch(key)
	return s.recompute(ctx), nil
}

// ClearAnswer retracts an answer. Clearing an unanswered field is not an
// error and still produces a snapshot.
func (s *Session) ClearAnswer(ctx context.Context, key engine.FieldKey) (*engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted {
		s.journal.Append(key, nil, OutcomeRejected, ErrSessionCompleted.Error())
		return nil, ErrSessionCompleted
	}
	if _, ok := s.form.Schema.Field(key); !ok {
		err := &engine.InputError{Key: key, Reason: "unknown field"}
		s.journal.Append(key, nil, OutcomeRejected, err.Reason)
		return nil, err
	}

	s.answers.Delete(key)
	s.journal.Append(key, nil, OutcomeCleared, "")
	s.touch(key)
	return s.recompute(ctx), nil
}

func reason(err error) string {
	var in *engine.InputError
	if errors.As(err, &in) {
		return in.Reason
	}
	return err.Error()
}

// touch moves the session and the edited phase back to in progress.
func (s *Session) touch(key engine.FieldKey) {
	if i := s.form.Schema.PhaseIndex(key.Phase()); i >= 0 {
		s.phases[i] = PhaseInProgress
	}
	s.transition(StateInProgress)
}

func (s *Session) transition(to State) {
	if s.state == to {
		return
	}
	if !IsValidTransition(s.state, to) {
		s.logger.Error().Str("from", string(s.state)).Str("to", string(to)).Msg("invalid transition")
		return
	}
	s.logger.Debug().Str("from", string(s.state)).Str("to", string(to)).Msg("session state changed")
	s.state = to
}

// recompute runs the pipeline and notifies listeners. Callers hold s.mu.
func (s *Session) recompute(ctx context.Context) *engine.Snapshot {
	snap := s.form.Evaluate(s.answers)
	s.snapshot = snap
	for _, l := range s.listeners {
		l.OnSnapshotChanged(ctx, s.id, snap)
	}
	return snap
}

// Position describes where the clinician is in the form.
type Position struct {
	Index  int                    `json:"index"`
	Phase  string                 `json:"phase"`
	Phases map[string]PhaseStatus `json:"phases"`
}

func (s *Session) position() Position {
	phases := s.form.Schema.Phases()
	p := Position{Index: s.current, Phases: make(map[string]PhaseStatus, len(phases))}
	if s.current < len(phases) {
		p.Phase = phases[s.current].ID
	}
	for i, ph := range phases {
		p.Phases[ph.ID] = s.phases[i]
	}
	return p
}

func (s *Session) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position()
}

// AdvancePhase marks the current phase reviewed and moves to the next one.
// Answers are never touched.
func (s *Session) AdvancePhase() (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted {
		return s.position(), ErrSessionCompleted
	}
	if s.current+1 >= len(s.phases) {
		return s.position(), ErrNoNextPhase
	}
	s.review()
	s.current++
	return s.position(), nil
}

// RetreatPhase moves to the previous phase.
func (s *Session) RetreatPhase() (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted {
		return s.position(), ErrSessionCompleted
	}
	if s.current == 0 {
		return s.position(), ErrNoPreviousPhase
	}
	s.current--
	return s.position(), nil
}

// ReviewPhase marks the current phase reviewed without moving. It is how
// the last phase gets reviewed.
func (s *Session) ReviewPhase() (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCompleted {
		return s.position(), ErrSessionCompleted
	}
	s.review()
	return s.position(), nil
}

func (s *Session) review() {
	if len(s.phases) == 0 {
		return
	}
	s.phases[s.current] = PhaseReviewed
	if s.state != StateInProgress {
		return
	}
	for _, st := range s.phases {
		if st != PhaseReviewed {
			return
		}
	}
	s.transition(StateReviewed)
}

// Complete finishes the session and hands the final answers and snapshot to
// the completion listeners. Listener errors are returned but the session
// stays completed.
func (s *Session) Complete(ctx context.Context) (*engine.Snapshot, error) {
	s.mu.Lock()
	if s.state == StateCompleted {
		s.mu.Unlock()
		return nil, ErrSessionCompleted
	}
	if !IsValidTransition(s.state, StateCompleted) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.state, StateCompleted)
	}
	snap := s.form.Evaluate(s.answers)
	if s.policy == PolicyStrict && !snap.Progress.Complete() {
		s.mu.Unlock()
		return snap, ErrIncomplete
	}
	s.snapshot = snap
	s.transition(StateCompleted)
	s.finished = s.now()
	c := Completion{
		SessionID:   s.id,
		Form:        s.form.FormInfo,
		Answers:     s.answers.Clone(),
		Snapshot:    snap,
		Journal:     s.journal.Entries(),
		Policy:      s.policy,
		StartedAt:   s.started.UTC(),
		CompletedAt: s.finished.UTC(),
	}
	listeners := s.completion
	s.mu.Unlock()

	s.logger.Info().
		Int("answers", c.Answers.Len()).
		Int("alerts", len(snap.Alerts)).
		Str("highest_severity", string(snap.HighestSeverity())).
		Msg("session completed")

	var errs []error
	for _, l := range listeners {
		if err := l.OnComplete(ctx, c); err != nil {
			s.logger.Error().Err(err).Msg("completion listener failed")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return snap, fmt.Errorf("completion listeners: %w", errors.Join(errs...))
	}
	return snap, nil
}

// View is a read-only summary of a session for API consumers.
type View struct {
	ID          uuid.UUID        `json:"id"`
	FormID      string           `json:"form_id"`
	State       State            `json:"state"`
	Policy      CompletionPolicy `json:"policy"`
	Position    Position         `json:"position"`
	Snapshot    *engine.Snapshot `json:"snapshot"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:        s.id,
		FormID:    s.form.ID,
		State:     s.state,
		Policy:    s.policy,
		Position:  s.position(),
		Snapshot:  s.snapshot,
		StartedAt: s.started.UTC(),
	}
	if s.state == StateCompleted {
		t := s.finished.UTC()
		v.CompletedAt = &t
	}
	return v
}

// Elapsed is the wall time since the session started, or its total
// duration once completed.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted {
		return s.finished.Sub(s.started)
	}
	return s.now().Sub(s.started)
}
