package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/profile"
	"github.com/jonathan/company-intel/internal/types"
)

// InterruptedMessage is recorded on runs that stopped with the process.
const InterruptedMessage = "run interrupted before completion"

// RecoverInterrupted repairs a profile left refreshing by a run that no
// longer executes, typically after a restart. isActive reports whether a
// snapshot still has a live run in this process. It returns whether anything
// was repaired.
func (c *Collector) RecoverInterrupted(ctx context.Context, isActive func(uuid.UUID) bool) (bool, error) {
	p, err := c.store.GetProfile(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load profile: %w", err)
	}
	if p == nil || p.Status != types.ProfileRefreshing {
		return false, nil
	}

	var snapshotID uuid.UUID
	if p.ActiveSnapshotID != nil {
		snapshotID = *p.ActiveSnapshotID
		if isActive != nil && isActive(snapshotID) {
			return false, nil
		}
		if err := c.failSnapshot(ctx, snapshotID); err != nil {
			return false, err
		}
	}

	_, err = c.store.UpsertProfile(ctx, func(p *types.Profile) error {
		if p.Status != types.ProfileRefreshing {
			return nil
		}
		if p.ActiveSnapshotID == nil {
			profile.AbandonRun(p, InterruptedMessage)
			return nil
		}
		profile.FailRun(p, snapshotID, InterruptedMessage)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to repair profile: %w", err)
	}

	c.logger.Warn("recovered interrupted run", "snapshot_id", snapshotID.String())
	return true, nil
}

func (c *Collector) failSnapshot(ctx context.Context, id uuid.UUID) error {
	s, err := c.store.GetSnapshotByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load snapshot %s: %w", id, err)
	}
	if s == nil || s.Status.IsTerminal() {
		return nil
	}
	completed := c.now()
	_, err = c.store.UpdateSnapshot(ctx, id, types.SnapshotUpdate{
		Status:      types.Ptr(types.SnapshotFailed),
		Error:       types.Ptr(InterruptedMessage),
		CompletedAt: &completed,
	})
	if err != nil && !errors.Is(err, db.ErrSnapshotFinalized) {
		return fmt.Errorf("failed to mark snapshot %s as failed: %w", id, err)
	}
	return nil
}
