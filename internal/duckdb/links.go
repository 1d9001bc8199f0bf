package duckdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/snapsync/internal/model"
)

var _ model.LinkStore = (*Store)(nil)

// ErrEmptyURL is returned when a link without a URL is written.
var ErrEmptyURL = errors.New("duckdb: link url is empty")

// AddLink inserts a new link and returns it with its assigned id.
func (s *Store) AddLink(ctx context.Context, link model.Link) (model.Link, error) {
	link.URL = strings.TrimSpace(link.URL)
	if link.URL == "" {
		return model.Link{}, ErrEmptyURL
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO links (title, url, note, folder, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`,
		link.Title, link.URL, link.Note, link.Folder, link.CreatedAt,
	).Scan(&link.ID)
	if err != nil {
		return model.Link{}, fmt.Errorf("duckdb: insert link: %w", err)
	}
	return link, nil
}

// ListLinks returns every link ordered by id.
func (s *Store) ListLinks(ctx context.Context) ([]model.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, url, note, folder, created_at FROM links ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("duckdb: list links: %w", err)
	}
	defer rows.Close()

	links := make([]model.Link, 0)
	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.ID, &l.Title, &l.URL, &l.Note, &l.Folder, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// CountLinks returns the number of stored links.
func (s *Store) CountLinks(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM links`).Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count links: %w", err)
	}
	return n, nil
}

// UpsertLinks inserts links keyed by URL, updating title, note and folder of
// existing rows. It returns the number of links written.
func (s *Store) UpsertLinks(ctx context.Context, links []model.Link) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("duckdb: begin upsert: %w", err)
	}
	defer tx.Rollback()

	// DuckDB rejects ON CONFLICT touching the same key twice in one statement,
	// so rows go one at a time inside the transaction.
	written := 0
	for _, l := range links {
		url := strings.TrimSpace(l.URL)
		if url == "" {
			continue
		}
		created := l.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO links (title, url, note, folder, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (url) DO UPDATE SET
				title = excluded.title,
				note = excluded.note,
				folder = excluded.folder`,
			l.Title, url, l.Note, l.Folder, created,
		)
		if err != nil {
			return 0, fmt.Errorf("duckdb: upsert link %q: %w", url, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("duckdb: commit upsert: %w", err)
	}
	return written, nil
}

// DeleteAllLinks removes every link and returns the number of rows deleted.
func (s *Store) DeleteAllLinks(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM links`)
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete links: %w", err)
	}
	return res.RowsAffected()
}
