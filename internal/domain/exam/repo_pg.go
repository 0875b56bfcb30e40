package exam

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinexam/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type examRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &examRepoPG{pool: pool}
}

func (r *examRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const examCols = `id, session_id, form_id, form_version, specialty, policy,
	highest_severity, alert_count, answer_count, progress, completed_by,
	answers, snapshot, journal, started_at, completed_at, created_at`

func (r *examRepoPG) scan(row pgx.Row) (*CompletedExam, error) {
	var e CompletedExam
	err := row.Scan(&e.ID, &e.SessionID, &e.FormID, &e.FormVersion, &e.Specialty, &e.Policy,
		&e.HighestSeverity, &e.AlertCount, &e.AnswerCount, &e.Progress, &e.CompletedBy,
		&e.Answers, &e.Snapshot, &e.Journal, &e.StartedAt, &e.CompletedAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *examRepoPG) Create(ctx context.Context, e *CompletedExam) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO completed_exams (id, session_id, form_id, form_version, specialty, policy,
			highest_severity, alert_count, answer_count, progress, completed_by,
			answers, snapshot, journal, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at`,
		e.ID, e.SessionID, e.FormID, e.FormVersion, e.Specialty, e.Policy,
		e.HighestSeverity, e.AlertCount, e.AnswerCount, e.Progress, e.CompletedBy,
		e.Answers, e.Snapshot, e.Journal, e.StartedAt, e.CompletedAt).Scan(&e.CreatedAt)
}

func (r *examRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CompletedExam, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+` FROM completed_exams WHERE id = $1`, id))
}

func (r *examRepoPG) GetBySession(ctx context.Context, sessionID uuid.UUID) (*CompletedExam, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+examCols+` FROM completed_exams WHERE session_id = $1`, sessionID))
}

func (r *examRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*CompletedExam, int, error) {
	where, args := f.where(func(n int) string { return fmt.Sprintf("$%d", n) })

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM completed_exams`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT `+examCols+` FROM completed_exams%s ORDER BY completed_at DESC, id LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*CompletedExam
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

// where renders the filter as a WHERE clause using placeholder for the
// n-th bind parameter.
func (f ListFilter) where(placeholder func(n int) string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		conds = append(conds, col+" = "+placeholder(len(args)))
	}
	add("form_id", f.FormID)
	add("specialty", f.Specialty)
	add("highest_severity", f.Severity)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
