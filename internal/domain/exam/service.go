package exam

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/platform/auth"
	"github.com/ehr/clinexam/internal/session"
)

// Service records completed sessions and serves them back. It is registered
// as a completion listener on the session manager.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

var _ session.CompletionListener = (*Service)(nil)

// OnComplete persists the completion. A session already on record is left
// as it is.
func (s *Service) OnComplete(ctx context.Context, c session.Completion) error {
	if _, err := s.repo.GetBySession(ctx, c.SessionID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("look up session %s: %w", c.SessionID, err)
	}

	e, err := FromCompletion(c, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return fmt.Errorf("store completed exam: %w", err)
	}

	ev := s.logger.Info().
		Str("exam_id", e.ID.String()).
		Str("session_id", e.SessionID.String()).
		Str("form_id", e.FormID).
		Int("alerts", e.AlertCount)
	if e.HighestSeverity != nil {
		ev = ev.Str("highest_severity", *e.HighestSeverity)
	}
	ev.Msg("completed exam recorded")
	return nil
}

func (s *Service) GetExam(ctx context.Context, id uuid.UUID) (*CompletedExam, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetExamBySession(ctx context.Context, sessionID uuid.UUID) (*CompletedExam, error) {
	return s.repo.GetBySession(ctx, sessionID)
}

func (s *Service) ListExams(ctx context.Context, f ListFilter, limit, offset int) ([]*CompletedExam, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}
