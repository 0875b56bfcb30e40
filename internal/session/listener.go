package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinexam/internal/engine"
)

// SnapshotListener is told about every snapshot a session produces. The
// snapshot must be treated as read-only. Implementations must not call back
// into the session.
type SnapshotListener interface {
	OnSnapshotChanged(ctx context.Context, sessionID uuid.UUID, snap *engine.Snapshot)
}

// ListenerFunc adapts a function to SnapshotListener.
type ListenerFunc func(ctx context.Context, sessionID uuid.UUID, snap *engine.Snapshot)

func (f ListenerFunc) OnSnapshotChanged(ctx context.Context, sessionID uuid.UUID, snap *engine.Snapshot) {
	f(ctx, sessionID, snap)
}

// Completion is handed to completion listeners exactly once per session.
type Completion struct {
	SessionID   uuid.UUID
	Form        engine.FormInfo
	Answers     engine.AnswerStore
	Snapshot    *engine.Snapshot
	Journal     []JournalEntry
	Policy      CompletionPolicy
	StartedAt   time.Time
	CompletedAt time.Time
}

// CompletionListener receives the final answers and snapshot.
type CompletionListener interface {
	OnComplete(ctx context.Context, c Completion) error
}

// CompletionFunc adapts a function to CompletionListener.
type CompletionFunc func(ctx context.Context, c Completion) error

func (f CompletionFunc) OnComplete(ctx context.Context, c Completion) error { return f(ctx, c) }
