package server

import (
	"net/http"
	"strconv"

	"github.com/jonathan/company-intel/internal/coordinator"
	"github.com/jonathan/company-intel/internal/profile"
	"github.com/jonathan/company-intel/internal/types"
)

const (
	defaultSnapshotLimit = 10
	maxSnapshotLimit     = 50
)

// ProfileResponse is the body of GET /api/profile.
type ProfileResponse struct {
	Profile   *types.Profile       `json:"profile"`
	Snapshots []types.Snapshot     `json:"snapshots"`
	ActiveRun *coordinator.RunInfo `json:"activeRun"`
}

// handleGetProfile returns the profile, its recent snapshots and the run in progress.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	limit := defaultSnapshotLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSnapshotLimit {
			s.errorFrom(w, r, &ErrValidation{Field: "limit", Message: "must be between 1 and 50"})
			return
		}
		limit = n
	}

	p, err := s.store.GetProfile(r.Context())
	if err != nil {
		s.errorFrom(w, r, err)
		return
	}
	snapshots, err := s.store.ListSnapshots(r.Context(), limit)
	if err != nil {
		s.errorFrom(w, r, err)
		return
	}

	resp := ProfileResponse{Profile: p, Snapshots: snapshots}
	if p != nil && p.ActiveSnapshotID != nil {
		if run := s.coordinator.GetActiveRunBySnapshot(*p.ActiveSnapshotID); run != nil {
			info := run.Info()
			resp.ActiveRun = &info
		}
	}
	s.jsonResponse(w, r, http.StatusOK, resp)
}

// handleUpdateProfile applies a partial manual edit. Status and run
// bookkeeping are not editable, so an edit during a run keeps it refreshing.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var edit profile.Edit
	if err := decodeJSON(r, &edit); err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := edit.Validate(); err != nil {
		s.errorFrom(w, r, &ErrValidation{Message: err.Error()})
		return
	}

	updated, err := s.store.UpsertProfile(r.Context(), func(p *types.Profile) error {
		profile.ApplyEdit(p, edit)
		return nil
	})
	if err != nil {
		s.errorFrom(w, r, err)
		return
	}
	s.jsonResponse(w, r, http.StatusOK, updated)
}
