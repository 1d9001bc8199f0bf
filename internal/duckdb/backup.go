package duckdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be copied.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

const (
	safetyCopyPattern    = "snapsync-*.duckdb"
	safetyCopyTimeLayout = "20060102-150405.000"
)

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SnapshotTo flushes and copies the on-disk DuckDB database file to dstPath.
// It serializes CHECKPOINT under the store write lock, then copies the DB file
// outside the lock to avoid stalling reads/writes for large files.
func (s *Store) SnapshotTo(ctx context.Context, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.Lock()
	dbPath := s.dbPath
	if dbPath == "" {
		s.mu.Unlock()
		return ErrInMemoryStore
	}
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("checkpoint: %w", err)
	}
	s.mu.Unlock()

	if err := copyFile(dbPath, dstPath); err != nil {
		return fmt.Errorf("copy duckdb file: %w", err)
	}
	return nil
}

// SafetyCopy writes a timestamped local copy of the database into dir before a
// destructive operation and prunes all but the newest keepLast copies. It
// returns the path written. Once the copy exists a failed prune is only
// logged.
func (s *Store) SafetyCopy(ctx context.Context, dir string, keepLast int) (string, error) {
	name := fmt.Sprintf("snapsync-%s.duckdb", s.clock.Now().UTC().Format(safetyCopyTimeLayout))
	dst := filepath.Join(dir, name)
	if err := s.SnapshotTo(ctx, dst); err != nil {
		return "", err
	}
	s.log.WithField("path", dst).Info("safety copy written")
	if err := pruneSafetyCopies(dir, keepLast); err != nil {
		s.log.WithError(err).WithField("dir", dir).Warn("prune safety copies")
	}
	return dst, nil
}

func pruneSafetyCopies(dir string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, safetyCopyPattern))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		// timestamp is embedded in filename and lexical sort matches chronology
		return matches[i] > matches[j]
	})

	for _, old := range matches[keepLast:] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}
