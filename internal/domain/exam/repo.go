package exam

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("completed exam not found")

// Repository stores completed exams. Records are write-once.
type Repository interface {
	Create(ctx context.Context, e *CompletedExam) error
	GetByID(ctx context.Context, id uuid.UUID) (*CompletedExam, error)
	GetBySession(ctx context.Context, sessionID uuid.UUID) (*CompletedExam, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*CompletedExam, int, error)
}
