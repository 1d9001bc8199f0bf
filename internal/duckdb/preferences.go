package duckdb

import (
	"context"
	"fmt"
	"sort"
)

// AllPreferences returns every stored preference.
func (s *Store) AllPreferences(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences`)
	if err != nil {
		return nil, fmt.Errorf("duckdb: read preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("duckdb: scan preference: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetPreferences writes all values in one transaction. Either every key is
// committed or none is.
func (s *Store) SetPreferences(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: begin preferences: %w", err)
	}
	defer tx.Rollback()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, current_timestamp)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, values[k],
		)
		if err != nil {
			return fmt.Errorf("duckdb: write preference %q: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: commit preferences: %w", err)
	}
	return nil
}
