package exam

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo keeps completed exams in process. Used when no database is
// configured and in tests.
type MemoryRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*CompletedExam
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: make(map[uuid.UUID]*CompletedExam)}
}

func (r *MemoryRepo) Create(_ context.Context, e *CompletedExam) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	cp := *e
	r.items[e.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*CompletedExam, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepo) GetBySession(_ context.Context, sessionID uuid.UUID) (*CompletedExam, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.items {
		if e.SessionID == sessionID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*CompletedExam, int, error) {
	r.mu.RLock()
	var matched []*CompletedExam
	for _, e := range r.items {
		if f.matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CompletedAt.Equal(matched[j].CompletedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CompletedAt.After(matched[j].CompletedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (f ListFilter) matches(e *CompletedExam) bool {
	if f.FormID != "" && e.FormID != f.FormID {
		return false
	}
	if f.Specialty != "" && e.Specialty != f.Specialty {
		return false
	}
	if f.Severity != "" && (e.HighestSeverity == nil || *e.HighestSeverity != f.Severity) {
		return false
	}
	return true
}
