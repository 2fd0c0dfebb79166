// Package types defines the data models shared by the collection pipeline, the run coordinator and the HTTP surface.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ProfileStatus is the lifecycle state of the company profile.
type ProfileStatus string

const (
	// ProfileNotConfigured means no domain has been collected yet.
	ProfileNotConfigured ProfileStatus = "not_configured"
	// ProfilePending means a domain is set but no run has started.
	ProfilePending ProfileStatus = "pending"
	// ProfileRefreshing means a run is active for the profile's domain.
	ProfileRefreshing ProfileStatus = "refreshing"
	// ProfileReady means the last run completed and the fields are current.
	ProfileReady ProfileStatus = "ready"
	// ProfileFailed means no run has ever completed and the last one failed.
	ProfileFailed ProfileStatus = "failed"
)

// KeyOffering is a product or service line surfaced on the profile.
type KeyOffering struct {
	Title       string  `json:"title" validate:"required"`
	Description *string `json:"description,omitempty"`
}

// Profile is the durable, editable company record. There is exactly one per scope.
type Profile struct {
	ID                uuid.UUID     `json:"id"`
	Domain            *string       `json:"domain"`
	Status            ProfileStatus `json:"status"`
	CompanyName       *string       `json:"companyName"`
	Tagline           *string       `json:"tagline"`
	Overview          *string       `json:"overview"`
	ValueProps        []string      `json:"valueProps"`
	KeyOfferings      []KeyOffering `json:"keyOfferings"`
	PrimaryIndustries []string      `json:"primaryIndustries"`

	FaviconURL              *string    `json:"faviconUrl"`
	LastSnapshotID          *uuid.UUID `json:"lastSnapshotId"`
	ActiveSnapshotID        *uuid.UUID `json:"activeSnapshotId"`
	ActiveSnapshotStartedAt *time.Time `json:"activeSnapshotStartedAt"`
	LastRefreshedAt         *time.Time `json:"lastRefreshedAt"`
	LastError               *string    `json:"lastError"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// StatusAfterFailure is the status a refreshing profile falls back to when its run fails.
func (p *Profile) StatusAfterFailure() ProfileStatus {
	if p.LastSnapshotID != nil {
		return ProfileReady
	}
	return ProfileFailed
}

// ClearActiveRun drops the in-flight run bookkeeping.
func (p *Profile) ClearActiveRun() {
	p.ActiveSnapshotID = nil
	p.ActiveSnapshotStartedAt = nil
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.ValueProps = append([]string(nil), p.ValueProps...)
	c.PrimaryIndustries = append([]string(nil), p.PrimaryIndustries...)
	c.KeyOfferings = append([]KeyOffering(nil), p.KeyOfferings...)
	return &c
}
