// Package db persists company profiles, run snapshots and the per-snapshot
// page knowledge base, in PostgreSQL or in memory.
package db

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/types"
)

// DefaultScope is the tenant scope used when none is configured.
const DefaultScope = "default"

var (
	// ErrNotFound is returned when updating a record that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSnapshotFinalized is returned when updating a snapshot that already reached a terminal status.
	ErrSnapshotFinalized = errors.New("snapshot already finalized")
)

// Store is the persistence contract used by the pipeline, the chat bridge and the HTTP layer.
// Lookups return nil with a nil error when the record does not exist.
type Store interface {
	CreateSnapshot(ctx context.Context, domain string) (*types.Snapshot, error)
	UpdateSnapshot(ctx context.Context, id uuid.UUID, update types.SnapshotUpdate) (*types.Snapshot, error)
	ReplaceSnapshotPages(ctx context.Context, id uuid.UUID, pages []types.SnapshotPage) error
	SearchSnapshotPages(ctx context.Context, id uuid.UUID, query string, limit int) ([]types.PageMatch, error)
	// UpsertProfile loads the scope's profile (creating it if needed), applies
	// mutate and saves the result atomically.
	UpsertProfile(ctx context.Context, mutate func(*types.Profile) error) (*types.Profile, error)
	GetProfile(ctx context.Context) (*types.Profile, error)
	GetSnapshotByID(ctx context.Context, id uuid.UUID) (*types.Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]types.Snapshot, error)
}

const (
	// DefaultListLimit is used by ListSnapshots when limit is not positive.
	DefaultListLimit = 10
	// DefaultSearchLimit is used by SearchSnapshotPages when limit is not positive.
	DefaultSearchLimit = 5
)

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// newProfile is the profile a scope starts with.
func newProfile() *types.Profile {
	return &types.Profile{
		ID:                uuid.New(),
		Status:            types.ProfileNotConfigured,
		ValueProps:        []string{},
		KeyOfferings:      []types.KeyOffering{},
		PrimaryIndustries: []string{},
	}
}
