package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/company-intel/internal/types"
)

const profileColumns = `id, domain, status, company_name, tagline, overview, value_props, key_offerings,
	primary_industries, favicon_url, last_snapshot_id, active_snapshot_id, active_snapshot_started_at,
	last_refreshed_at, last_error, created_at, updated_at`

func scanProfile(row scanner) (*types.Profile, error) {
	var p types.Profile
	var status string
	var valueProps, offerings, industries []byte
	err := row.Scan(&p.ID, &p.Domain, &status, &p.CompanyName, &p.Tagline, &p.Overview,
		&valueProps, &offerings, &industries, &p.FaviconURL, &p.LastSnapshotID, &p.ActiveSnapshotID,
		&p.ActiveSnapshotStartedAt, &p.LastRefreshedAt, &p.LastError, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Status = types.ProfileStatus(status)
	if err := unmarshalJSON(valueProps, &p.ValueProps); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(offerings, &p.KeyOfferings); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(industries, &p.PrimaryIndustries); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfile retrieves the scope's profile, or nil if none has been written.
func (db *DB) GetProfile(ctx context.Context) (*types.Profile, error) {
	p, err := scanProfile(db.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM company_profiles WHERE scope = $1`,
		db.scope,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// UpsertProfile applies mutate to the scope's profile under a row lock.
func (db *DB) UpsertProfile(ctx context.Context, mutate func(*types.Profile) error) (*types.Profile, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	p, err := scanProfile(tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM company_profiles WHERE scope = $1 FOR UPDATE`,
		db.scope,
	))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		p = newProfile()
		p.CreatedAt = now
	case err != nil:
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	if err := mutate(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = now

	valueProps, err := marshalJSON(nonNil(p.ValueProps))
	if err != nil {
		return nil, err
	}
	offerings := p.KeyOfferings
	if offerings == nil {
		offerings = []types.KeyOffering{}
	}
	offeringsJSON, err := marshalJSON(offerings)
	if err != nil {
		return nil, err
	}
	industries, err := marshalJSON(nonNil(p.PrimaryIndustries))
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO company_profiles (`+profileColumns+`, scope)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (scope) DO UPDATE SET
		     domain = EXCLUDED.domain,
		     status = EXCLUDED.status,
		     company_name = EXCLUDED.company_name,
		     tagline = EXCLUDED.tagline,
		     overview = EXCLUDED.overview,
		     value_props = EXCLUDED.value_props,
		     key_offerings = EXCLUDED.key_offerings,
		     primary_industries = EXCLUDED.primary_industries,
		     favicon_url = EXCLUDED.favicon_url,
		     last_snapshot_id = EXCLUDED.last_snapshot_id,
		     active_snapshot_id = EXCLUDED.active_snapshot_id,
		     active_snapshot_started_at = EXCLUDED.active_snapshot_started_at,
		     last_refreshed_at = EXCLUDED.last_refreshed_at,
		     last_error = EXCLUDED.last_error,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.Domain, string(p.Status), p.CompanyName, p.Tagline, p.Overview,
		valueProps, offeringsJSON, industries, p.FaviconURL, p.LastSnapshotID, p.ActiveSnapshotID,
		p.ActiveSnapshotStartedAt, p.LastRefreshedAt, p.LastError, p.CreatedAt, p.UpdatedAt, db.scope,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit profile: %w", err)
	}
	return p, nil
}
