package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/company-intel/internal/types"
)

// ReplaceSnapshotPages swaps a snapshot's knowledge base for pages.
func (db *DB) ReplaceSnapshotPages(ctx context.Context, id uuid.UUID, pages []types.SnapshotPage) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM company_snapshots WHERE id = $1 AND scope = $2)`,
		id, db.scope,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check snapshot: %w", err)
	}
	if !exists {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM snapshot_pages WHERE snapshot_id = $1`, id); err != nil {
		return fmt.Errorf("failed to clear snapshot pages: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"snapshot_pages"},
		[]string{"snapshot_id", "position", "url", "title", "content_type", "content", "word_count"},
		pgx.CopyFromSlice(len(pages), func(i int) ([]any, error) {
			p := pages[i]
			return []any{id, i, p.URL, p.Title, p.ContentType, p.Content, p.WordCount}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot pages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot pages: %w", err)
	}
	return nil
}

// SearchSnapshotPages ranks a snapshot's pages against query with PostgreSQL
// full-text search. When nothing matches, the first pages are returned with a
// zero score so callers always have context to work with.
func (db *DB) SearchSnapshotPages(ctx context.Context, id uuid.UUID, query string, limit int) ([]types.PageMatch, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	matches, err := db.queryPages(ctx,
		`SELECT p.url, p.title, p.content_type, p.content, p.word_count, ts_rank(p.search, q) AS score
		 FROM snapshot_pages p
		 JOIN company_snapshots s ON s.id = p.snapshot_id,
		      websearch_to_tsquery('english', $3) q
		 WHERE p.snapshot_id = $1 AND s.scope = $2 AND p.search @@ q
		 ORDER BY score DESC, p.position
		 LIMIT $4`,
		id, db.scope, query, limit,
	)
	if err != nil || len(matches) > 0 {
		return matches, err
	}

	return db.queryPages(ctx,
		`SELECT p.url, p.title, p.content_type, p.content, p.word_count, 0::real AS score
		 FROM snapshot_pages p
		 JOIN company_snapshots s ON s.id = p.snapshot_id
		 WHERE p.snapshot_id = $1 AND s.scope = $2
		 ORDER BY p.position
		 LIMIT $3`,
		id, db.scope, limit,
	)
}

func (db *DB) queryPages(ctx context.Context, sql string, args ...any) ([]types.PageMatch, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search snapshot pages: %w", err)
	}
	defer rows.Close()

	matches := []types.PageMatch{}
	for rows.Next() {
		var m types.PageMatch
		var score float32
		if err := rows.Scan(&m.Page.URL, &m.Page.Title, &m.Page.ContentType, &m.Page.Content, &m.Page.WordCount, &score); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot page: %w", err)
		}
		m.Score = float64(score)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search snapshot pages: %w", err)
	}
	return matches, nil
}
