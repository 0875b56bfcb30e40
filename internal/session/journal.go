package session

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ehr/clinexam/internal/engine"
)

// Outcome records what happened to a mutation.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeCleared  Outcome = "cleared"
	OutcomeRejected Outcome = "rejected"
)

// JournalEntry is one line of a session's audit trail.
type JournalEntry struct {
	ID      string          `json:"id"`
	At      time.Time       `json:"at"`
	Key     engine.FieldKey `json:"key"`
	Value   *engine.Value   `json:"value,omitempty"`
	Outcome Outcome         `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// Journal is an append-only log of mutations. Entry ids are monotonic ULIDs,
// so they sort in append order even within one millisecond.
type Journal struct {
	mu      sync.Mutex
	entries []JournalEntry
	entropy io.Reader
	now     func() time.Time
}

func NewJournal(now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     now,
	}
}

func (j *Journal) newID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), j.entropy).String()
}

// Append records a mutation and returns the stored entry.
func (j *Journal) Append(key engine.FieldKey, v *engine.Value, outcome Outcome, reason string) JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	at := j.now().UTC()
	e := JournalEntry{
		ID:      j.newID(at),
		At:      at,
		Key:     key,
		Value:   v,
		Outcome: outcome,
		Reason:  reason,
	}
	j.entries = append(j.entries, e)
	return e
}

// Entries returns a copy of the log in append order.
func (j *Journal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
