// Package duckdb stores the link collection and the sync preferences in a
// single DuckDB file.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/duckdb/migrate"
)

const defaultQueryTimeout = 30 * time.Second

// Options tunes a Store. The zero value is usable.
type Options struct {
	// QueryTimeout bounds each statement; zero means 30s.
	QueryTimeout time.Duration
	Logger       logrus.FieldLogger
	// Clock names safety copies; nil means the wall clock.
	Clock clock.Clock
}

// Store manages the DuckDB database holding links and preferences.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	queryTimeout time.Duration
	log          logrus.FieldLogger
	clock        clock.Clock
}

// Open opens or creates the database at dbPath and migrates it to the newest
// schema. An empty dbPath opens an in-memory database.
func Open(ctx context.Context, dbPath string, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "duckdb")

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("duckdb: create data dir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %s: %w", dbPath, err)
	}
	applied, err := migrate.NewRunner(db).Run(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, name := range applied {
		log.WithField("migration", name).Info("schema migration applied")
	}

	qt := opts.QueryTimeout
	if qt <= 0 {
		qt = defaultQueryTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		db:           db,
		dbPath:       dbPath,
		queryTimeout: qt,
		log:          log,
		clock:        clk,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}
