// Package migrate owns the schema of the links and preferences store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Runner brings a database up to the newest embedded schema version.
type Runner struct {
	db   *sql.DB
	fsys fs.FS
}

// NewRunner creates a migration runner for the given database connection.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db, fsys: migrations}
}

// Migration is one versioned schema step, loaded from NNN_name.sql.
type Migration struct {
	Version int
	Name    string
	sql     string
}

// Status describes the schema version of a database.
type Status struct {
	Current int
	Pending []Migration
}

func (r *Runner) load() ([]Migration, error) {
	entries, err := fs.ReadDir(r.fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read embedded files: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrate: version of %s: %w", e.Name(), err)
		}
		if prev, dup := seen[ver]; dup {
			return nil, fmt.Errorf("migrate: %s and %s share version %d", prev, e.Name(), ver)
		}
		seen[ver] = e.Name()

		data, err := fs.ReadFile(r.fsys, "migrations/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: ver, Name: e.Name(), sql: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}
	return nil
}

// Status reports the applied version and the migrations still to run.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	if err := r.ensureTable(ctx); err != nil {
		return Status{}, err
	}

	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return Status{}, fmt.Errorf("migrate: applied version: %w", err)
	}

	all, err := r.load()
	if err != nil {
		return Status{}, err
	}

	st := Status{Current: int(v.Int64)}
	for _, m := range all {
		if m.Version > st.Current {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}

// Run applies every pending migration, each in its own transaction together
// with its schema_migrations row. It returns the names applied.
func (r *Runner) Run(ctx context.Context) ([]string, error) {
	st, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(st.Pending))
	for _, m := range st.Pending {
		if err := r.apply(ctx, m); err != nil {
			return applied, err
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin %s: %w", m.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migrate: execute %s: %w", m.Name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return fmt.Errorf("migrate: record %s: %w", m.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit %s: %w", m.Name, err)
	}
	return nil
}
