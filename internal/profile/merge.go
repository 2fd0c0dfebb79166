package profile

import (
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/types"
)

// Collected is everything a successful run contributes to the profile.
type Collected struct {
	Domain     string
	SnapshotID uuid.UUID
	Structured *types.StructuredProfile
	Overview   string
	FaviconURL *string
}

// Merge folds a successful run into p. Fields the run returned replace the
// current values; fields it left null or absent keep their prior value.
// Status and the active-run fields only change when no other run has
// claimed p since this one started.
func Merge(p *types.Profile, c Collected, now time.Time) {
	if c.Domain != "" {
		p.Domain = &c.Domain
	}

	if s := c.Structured; s != nil {
		if name := NormalizeString(&s.CompanyName); name != nil {
			p.CompanyName = name
		}
		if tagline := NormalizeString(s.Tagline); tagline != nil {
			p.Tagline = tagline
		}
		if s.ValueProps != nil {
			p.ValueProps = NormalizeList(s.ValueProps)
		}
		if s.KeyOfferings != nil {
			p.KeyOfferings = NormalizeOfferings(s.KeyOfferings)
		}
		if s.PrimaryIndustries != nil {
			p.PrimaryIndustries = NormalizeList(s.PrimaryIndustries)
		}
	}
	if overview := NormalizeString(&c.Overview); overview != nil {
		p.Overview = overview
	}
	if favicon := NormalizeString(c.FaviconURL); favicon != nil {
		p.FaviconURL = favicon
	}

	snapshotID := c.SnapshotID
	refreshed := now
	p.LastSnapshotID = &snapshotID
	p.LastRefreshedAt = &refreshed
	p.LastError = nil
	if p.ActiveSnapshotID == nil || *p.ActiveSnapshotID == snapshotID {
		p.Status = types.ProfileReady
		p.ClearActiveRun()
	}
}

// BeginRun marks p as refreshing for snapshotID.
func BeginRun(p *types.Profile, domain string, snapshotID uuid.UUID, now time.Time) {
	if p.Domain == nil {
		p.Domain = &domain
	}
	started := now
	p.Status = types.ProfileRefreshing
	p.ActiveSnapshotID = &snapshotID
	p.ActiveSnapshotStartedAt = &started
}

// FailRun reverts a refreshing p after its run failed.
func FailRun(p *types.Profile, snapshotID uuid.UUID, message string) {
	if !ownsRun(p, snapshotID) {
		return
	}
	AbandonRun(p, message)
}

// AbandonRun reverts a refreshing p whatever run it was tracking.
func AbandonRun(p *types.Profile, message string) {
	p.Status = p.StatusAfterFailure()
	p.LastError = &message
	p.ClearActiveRun()
}

// CancelRun restores the status p had before the cancelled run started.
func CancelRun(p *types.Profile, snapshotID uuid.UUID, previous types.ProfileStatus) {
	if !ownsRun(p, snapshotID) {
		return
	}
	if previous == "" || previous == types.ProfileRefreshing {
		previous = p.StatusAfterFailure()
		if p.LastSnapshotID == nil && p.Domain != nil {
			previous = types.ProfilePending
		}
	}
	p.Status = previous
	p.ClearActiveRun()
}

// ownsRun reports whether snapshotID is the run p is tracking. Once another
// run has claimed or released p, an earlier run no longer owns it.
func ownsRun(p *types.Profile, snapshotID uuid.UUID) bool {
	return p.ActiveSnapshotID != nil && *p.ActiveSnapshotID == snapshotID
}
