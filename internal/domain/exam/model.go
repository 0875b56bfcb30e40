package exam

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinexam/internal/session"
)

// CompletedExam maps to the completed_exams table: the record handed off
// when a session completes. Severity and counts are denormalized for
// listing; the full answers, snapshot and journal are kept as JSON.
type CompletedExam struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	SessionID       uuid.UUID       `db:"session_id" json:"session_id"`
	FormID          string          `db:"form_id" json:"form_id"`
	FormVersion     string          `db:"form_version" json:"form_version"`
	Specialty       string          `db:"specialty" json:"specialty"`
	Policy          string          `db:"policy" json:"policy"`
	HighestSeverity *string         `db:"highest_severity" json:"highest_severity,omitempty"`
	AlertCount      int             `db:"alert_count" json:"alert_count"`
	AnswerCount     int             `db:"answer_count" json:"answer_count"`
	Progress        float64         `db:"progress" json:"progress"`
	CompletedBy     *string         `db:"completed_by" json:"completed_by,omitempty"`
	Answers         json.RawMessage `db:"answers" json:"answers"`
	Snapshot        json.RawMessage `db:"snapshot" json:"snapshot"`
	Journal         json.RawMessage `db:"journal" json:"journal"`
	StartedAt       time.Time       `db:"started_at" json:"started_at"`
	CompletedAt     time.Time       `db:"completed_at" json:"completed_at"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// FromCompletion builds the record for a finished session.
func FromCompletion(c session.Completion, completedBy string) (*CompletedExam, error) {
	answers, err := json.Marshal(c.Answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	snapshot, err := json.Marshal(c.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	journal, err := json.Marshal(c.Journal)
	if err != nil {
		return nil, fmt.Errorf("encode journal: %w", err)
	}

	e := &CompletedExam{
		SessionID:   c.SessionID,
		FormID:      c.Form.ID,
		FormVersion: c.Form.Version,
		Specialty:   c.Form.Specialty,
		Policy:      string(c.Policy),
		AnswerCount: c.Answers.Len(),
		Answers:     answers,
		Snapshot:    snapshot,
		Journal:     journal,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
	if c.Snapshot != nil {
		e.AlertCount = len(c.Snapshot.Alerts)
		e.Progress = c.Snapshot.Progress.Overall
		if sev := c.Snapshot.HighestSeverity(); sev != "" {
			s := string(sev)
			e.HighestSeverity = &s
		}
	}
	if completedBy != "" {
		e.CompletedBy = &completedBy
	}
	return e, nil
}

// ListFilter narrows a listing. Empty fields match everything.
type ListFilter struct {
	FormID    string
	Specialty string
	Severity  string
}
