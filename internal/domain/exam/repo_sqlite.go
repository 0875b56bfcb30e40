package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS completed_exams (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL UNIQUE,
	form_id          TEXT NOT NULL,
	form_version     TEXT NOT NULL DEFAULT '',
	specialty        TEXT NOT NULL DEFAULT '',
	policy           TEXT NOT NULL,
	highest_severity TEXT,
	alert_count      INTEGER NOT NULL DEFAULT 0,
	answer_count     INTEGER NOT NULL DEFAULT 0,
	progress         REAL NOT NULL DEFAULT 0,
	completed_by     TEXT,
	answers          TEXT NOT NULL DEFAULT '{}',
	snapshot         TEXT NOT NULL DEFAULT '{}',
	journal          TEXT NOT NULL DEFAULT '[]',
	started_at       TEXT NOT NULL,
	completed_at     TEXT NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_completed_exams_form ON completed_exams(form_id);
CREATE INDEX IF NOT EXISTS idx_completed_exams_completed ON completed_exams(completed_at);
`

// OpenSQLite opens the single-node exam store at path. ":memory:" gives a
// throwaway database.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps a :memory: database alive across calls.
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.Exec(sqliteSchema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return sdb, nil
}

type examRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepoSQLite(sdb *sql.DB) Repository {
	return &examRepoSQLite{db: sdb, now: time.Now}
}

// Fixed width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (r *examRepoSQLite) scan(row interface{ Scan(...interface{}) error }) (*CompletedExam, error) {
	var e CompletedExam
	var answers, snapshot, journal string
	var startedAt, completedAt, created string
	err := row.Scan(&e.ID, &e.SessionID, &e.FormID, &e.FormVersion, &e.Specialty, &e.Policy,
		&e.HighestSeverity, &e.AlertCount, &e.AnswerCount, &e.Progress, &e.CompletedBy,
		&answers, &snapshot, &journal, &startedAt, &completedAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Answers, e.Snapshot, e.Journal = []byte(answers), []byte(snapshot), []byte(journal)
	for _, t := range []struct {
		dst *time.Time
		src string
	}{{&e.StartedAt, startedAt}, {&e.CompletedAt, completedAt}, {&e.CreatedAt, created}} {
		if *t.dst, err = time.Parse(timeLayout, t.src); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", t.src, err)
		}
	}
	return &e, nil
}

func (r *examRepoSQLite) Create(ctx context.Context, e *CompletedExam) error {
	e.ID = uuid.New()
	e.CreatedAt = r.now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO completed_exams (id, session_id, form_id, form_version, specialty, policy,
			highest_severity, alert_count, answer_count, progress, completed_by,
			answers, snapshot, journal, started_at, completed_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID.String(), e.SessionID.String(), e.FormID, e.FormVersion, e.Specialty, e.Policy,
		e.HighestSeverity, e.AlertCount, e.AnswerCount, e.Progress, e.CompletedBy,
		string(e.Answers), string(e.Snapshot), string(e.Journal),
		e.StartedAt.UTC().Format(timeLayout), e.CompletedAt.UTC().Format(timeLayout), e.CreatedAt.Format(timeLayout))
	return err
}

func (r *examRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*CompletedExam, error) {
	return r.scan(r.db.QueryRowContext(ctx, `SELECT `+examCols+` FROM completed_exams WHERE id = ?`, id.String()))
}

func (r *examRepoSQLite) GetBySession(ctx context.Context, sessionID uuid.UUID) (*CompletedExam, error) {
	return r.scan(r.db.QueryRowContext(ctx, `SELECT `+examCols+` FROM completed_exams WHERE session_id = ?`, sessionID.String()))
}

func (r *examRepoSQLite) List(ctx context.Context, f ListFilter, limit, offset int) ([]*CompletedExam, int, error) {
	where, args := f.where(func(int) string { return "?" })

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM completed_exams`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+examCols+` FROM completed_exams`+where+` ORDER BY completed_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
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
