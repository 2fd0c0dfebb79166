package server

import (
	"net/http"

	"github.com/jonathan/company-intel/internal/types"
)

// handleGetSnapshot returns one snapshot.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := s.snapshotID(w, r)
	if !ok {
		return
	}
	snapshot, err := s.store.GetSnapshotByID(r.Context(), id)
	if err != nil {
		s.errorFrom(w, r, err)
		return
	}
	if snapshot == nil {
		s.errorFrom(w, r, &ErrNotFound{Resource: "snapshot", ID: id.String()})
		return
	}
	s.jsonResponse(w, r, http.StatusOK, snapshot)
}

// handleChat streams an answer grounded on the snapshot's knowledge base.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.snapshotID(w, r)
	if !ok {
		return
	}
	var req types.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.errorFrom(w, r, validationError(err))
		return
	}
	if _, err := s.chat.CheckReady(r.Context(), id); err != nil {
		s.errorFrom(w, r, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	defer sse.Close()

	err = s.chat.Stream(r.Context(), id, req, func(ev types.StreamEvent) {
		if werr := sse.WriteEvent(ev); werr != nil {
			s.log(r).Debug("chat stream write failed", "error", werr)
		}
	})
	if err != nil && r.Context().Err() == nil {
		s.log(r).Warn("chat stream failed", "snapshot_id", id.String(), "error", err)
	}
}
