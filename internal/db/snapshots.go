package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/company-intel/internal/types"
)

const snapshotColumns = `id, domain, status, selected_urls, map_payload, summaries, raw_scrapes, error,
	vector_store_id, vector_store_status, vector_store_error, created_at, completed_at`

func scanSnapshot(row scanner) (*types.Snapshot, error) {
	var s types.Snapshot
	var status string
	var vectorStatus *string
	var selectedURLs, mapPayload, sums, scrapes []byte
	err := row.Scan(&s.ID, &s.Domain, &status, &selectedURLs, &mapPayload, &sums, &scrapes, &s.Error,
		&s.VectorStoreID, &vectorStatus, &s.VectorStoreError, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}

	s.Status = types.SnapshotStatus(status)
	if vectorStatus != nil {
		vs := types.VectorStoreStatus(*vectorStatus)
		s.VectorStoreStatus = &vs
	}
	if len(mapPayload) > 0 {
		s.MapPayload = mapPayload
	}
	if err := unmarshalJSON(selectedURLs, &s.SelectedURLs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(sums, &s.Summaries); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(scrapes, &s.RawScrapes); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSnapshot inserts a running snapshot for domain.
func (db *DB) CreateSnapshot(ctx context.Context, domain string) (*types.Snapshot, error) {
	s := &types.Snapshot{
		ID:           uuid.New(),
		Domain:       domain,
		Status:       types.SnapshotRunning,
		SelectedURLs: []string{},
		RawScrapes:   []types.RawScrape{},
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO company_snapshots (id, scope, domain, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		s.ID, db.scope, domain, string(s.Status),
	).Scan(&s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	return s, nil
}

// UpdateSnapshot applies a partial update. Terminal snapshots are immutable.
func (db *DB) UpdateSnapshot(ctx context.Context, id uuid.UUID, update types.SnapshotUpdate) (*types.Snapshot, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanSnapshot(tx.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM company_snapshots WHERE id = $1 AND scope = $2 FOR UPDATE`,
		id, db.scope,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if s.Status.IsTerminal() {
		return nil, fmt.Errorf("snapshot %s is %s: %w", id, s.Status, ErrSnapshotFinalized)
	}

	update.Apply(s)

	selectedURLs, err := marshalJSON(nonNil(s.SelectedURLs))
	if err != nil {
		return nil, err
	}
	scrapes, err := marshalJSON(nonNilScrapes(s.RawScrapes))
	if err != nil {
		return nil, err
	}
	var sums []byte
	if s.Summaries != nil {
		if sums, err = marshalJSON(s.Summaries); err != nil {
			return nil, err
		}
	}
	var mapPayload []byte
	if len(s.MapPayload) > 0 {
		mapPayload = s.MapPayload
	}
	var vectorStatus *string
	if s.VectorStoreStatus != nil {
		v := string(*s.VectorStoreStatus)
		vectorStatus = &v
	}

	_, err = tx.Exec(ctx,
		`UPDATE company_snapshots SET
		     status = $2, selected_urls = $3, map_payload = $4, summaries = $5, raw_scrapes = $6,
		     error = $7, vector_store_id = $8, vector_store_status = $9, vector_store_error = $10,
		     completed_at = $11
		 WHERE id = $1`,
		id, string(s.Status), selectedURLs, mapPayload, sums, scrapes,
		s.Error, s.VectorStoreID, vectorStatus, s.VectorStoreError, s.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot update: %w", err)
	}
	return s, nil
}

// GetSnapshotByID retrieves a snapshot, or nil if it does not exist.
func (db *DB) GetSnapshotByID(ctx context.Context, id uuid.UUID) (*types.Snapshot, error) {
	s, err := scanSnapshot(db.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM company_snapshots WHERE id = $1 AND scope = $2`,
		id, db.scope,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}

// ListSnapshots returns the most recent snapshots, newest first.
func (db *DB) ListSnapshots(ctx context.Context, limit int) ([]types.Snapshot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM company_snapshots
		 WHERE scope = $1 ORDER BY created_at DESC LIMIT $2`,
		db.scope, listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []types.Snapshot{}
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snapshots, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilScrapes(values []types.RawScrape) []types.RawScrape {
	if values == nil {
		return []types.RawScrape{}
	}
	return values
}
