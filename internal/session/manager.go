package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/engine"
)

// FormSource resolves form ids to validated forms.
type FormSource interface {
	Form(id string) (*engine.Form, bool)
}

// ManagerConfig holds what every session started by a Manager shares.
type ManagerConfig struct {
	Policy CompletionPolicy
	// ClockInterval enables the elapsed clock when positive.
	ClockInterval time.Duration
	Listeners     []SnapshotListener
	OnComplete    []CompletionListener
	OnTick        func(sessionID uuid.UUID, elapsed time.Duration)
}

type managed struct {
	session *Session
	clock   *Clock
}

// Manager keeps the live sessions of the process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*managed
	forms    FormSource
	cfg      ManagerConfig
	logger   zerolog.Logger
}

func NewManager(forms FormSource, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[uuid.UUID]*managed),
		forms:    forms,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start opens a new session on formID.
func (m *Manager) Start(ctx context.Context, formID string) (*Session, error) {
	form, ok := m.forms.Form(formID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownForm, formID)
	}

	id := uuid.New()
	onComplete := append([]CompletionListener{CompletionFunc(m.stopClock)}, m.cfg.OnComplete...)
	s := New(form, Options{
		ID:         id,
		Policy:     m.cfg.Policy,
		Logger:     m.logger,
		Listeners:  append([]SnapshotListener(nil), m.cfg.Listeners...),
		OnComplete: onComplete,
	})

	entry := &managed{session: s}
	if m.cfg.ClockInterval > 0 && m.cfg.OnTick != nil {
		onTick := m.cfg.OnTick
		entry.clock = StartClock(m.cfg.ClockInterval, s.Elapsed, func(d time.Duration) { onTick(id, d) })
	}

	m.mu.Lock()
	m.sessions[id] = entry
	m.mu.Unlock()

	m.logger.Info().Str("session_id", id.String()).Str("form_id", formID).Msg("session started")
	return s, nil
}

func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].started.Equal(out[j].started) {
			return out[i].id.String() < out[j].id.String()
		}
		return out[i].started.Before(out[j].started)
	})
	return out
}

// Discard abandons a session. Its answers are dropped.
func (m *Manager) Discard(id uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if e.clock != nil {
		e.clock.Close()
	}
	m.logger.Info().Str("session_id", id.String()).Msg("session discarded")
	return nil
}

func (m *Manager) stopClock(_ context.Context, c Completion) error {
	m.mu.RLock()
	e, ok := m.sessions[c.SessionID]
	m.mu.RUnlock()
	if ok && e.clock != nil {
		e.clock.Close()
	}
	return nil
}

// Shutdown stops every clock. Sessions stay readable.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.sessions {
		if e.clock != nil {
			e.clock.Close()
		}
	}
}
