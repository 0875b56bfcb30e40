package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one NNN_name.sql file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus reports whether a known migration has been applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies SQL migrations to one Postgres schema. Applied versions are
// tracked in <schema>._migrations.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

// NewMigrator reads migrations from the root of files, such as the embedded
// migrations or os.DirFS of an override directory.
func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

var (
	schemaPattern    = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	migrationPattern = regexp.MustCompile(`^(\d+)_.+\.sql$`)
)

// ValidSchema reports whether name can be interpolated as a schema name.
func ValidSchema(name string) bool { return schemaPattern.MatchString(name) }

// LoadMigrations returns the migration files sorted by version. Other files
// are ignored; two files with the same version are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]string)
	var out []Migration
	for _, entry := range entries {
		match := migrationPattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}
		byVersion[version] = entry.Name()

		content, err := fs.ReadFile(m.files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: entry.Name(), SQL: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration, each in its own transaction, and
// returns how many ran. Concurrent servers starting with --migrate are
// serialized by an advisory lock on the schema name.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtext($1))", schema); err != nil {
		return 0, fmt.Errorf("lock %s: %w", schema, err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock(hashtext($1))", schema)

	if err := ensureMigrationsTable(ctx, conn, schema); err != nil {
		return 0, err
	}
	applied, err := appliedAt(ctx, conn, schema)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if _, done := applied[mig.Version]; done {
			continue
		}
		if err := apply(ctx, conn, schema, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

func apply(ctx context.Context, conn *pgxpool.Conn, schema string, mig Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s._migrations (version, name) VALUES ($1, $2)", schema),
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit(ctx)
}

// Status lists every known migration with its applied time, if any.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if err := ensureMigrationsTable(ctx, conn, schema); err != nil {
		return nil, err
	}
	applied, err := appliedAt(ctx, conn, schema)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func ensureMigrationsTable(ctx context.Context, conn *pgxpool.Conn, schema string) error {
	if !ValidSchema(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	_, err := conn.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema))
	if err != nil {
		return fmt.Errorf("create %s._migrations: %w", schema, err)
	}
	return nil
}

func appliedAt(ctx context.Context, conn *pgxpool.Conn, schema string) (map[int]time.Time, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s._migrations", schema))
	if err != nil {
		return nil, fmt.Errorf("query %s._migrations: %w", schema, err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		out[v] = at
	}
	return out, rows.Err()
}
