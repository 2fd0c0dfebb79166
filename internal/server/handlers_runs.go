package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/coordinator"
	"github.com/jonathan/company-intel/internal/pipeline"
	"github.com/jonathan/company-intel/internal/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ActiveRunsResponse is the body of GET /api/runs/active without a domain.
type ActiveRunsResponse struct {
	Runs []coordinator.RunInfo `json:"runs"`
}

// handleStartRun starts (or joins) a run for a domain and streams its events.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.errorFrom(w, r, validationError(err))
		return
	}

	info, err := s.coordinator.StartRun(r.Context(), pipeline.Params{
		Domain: req.Domain,
		Options: pipeline.Options{
			SelectedURLs: req.SelectedURLs,
			MaxPages:     req.MaxPages,
		},
	})
	if err != nil {
		s.errorFrom(w, r, err)
		return
	}
	s.log(r).Info("run stream opened",
		"snapshot_id", info.SnapshotID.String(), "domain", info.Domain, "existing", info.Existing)
	s.streamRun(w, r, info.SnapshotID)
}

// handleRunStream re-attaches to a run, replaying what it has emitted so far.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.snapshotID(w, r)
	if !ok {
		return
	}
	s.streamRun(w, r, id)
}

// handleCancelRun asks a run to stop.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.snapshotID(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, r, http.StatusOK, map[string]bool{"ok": s.coordinator.Cancel(id)})
}

// handleActiveRun reports the run in progress for a domain, or every run in
// progress when no domain is given.
func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		s.jsonResponse(w, r, http.StatusOK, ActiveRunsResponse{Runs: s.coordinator.ActiveRuns()})
		return
	}
	run := s.coordinator.GetActiveRunForDomain(domain)
	if run == nil || run.SnapshotID() == uuid.Nil {
		s.errorFrom(w, r, &ErrNotFound{Resource: "active run", ID: domain})
		return
	}
	s.jsonResponse(w, r, http.StatusOK, run.Info())
}

// streamRun subscribes to the run with replay and writes its events as SSE
// until the run ends or the client goes away. A disconnect only detaches
// this subscriber; the run keeps going.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	queue := newEventQueue()
	sub, err := s.coordinator.Subscribe(id, queue.push, coordinator.SubscribeOptions{Replay: true})
	if err != nil {
		if errors.Is(err, coordinator.ErrRunNotFound) {
			s.errorFrom(w, r, &ErrNotFound{Resource: "run", ID: id.String()})
			return
		}
		s.errorFrom(w, r, err)
		return
	}
	defer sub.Unsubscribe()

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	defer sse.Close()

	for {
		select {
		case <-queue.ready:
			if !s.flushEvents(r, sse, queue) {
				return
			}
		case <-sub.Done():
			// the terminal event is queued before Done closes
			s.flushEvents(r, sse, queue)
			return
		case <-r.Context().Done():
			s.log(r).Info("run stream client disconnected", "snapshot_id", id.String())
			return
		}
	}
}

// flushEvents writes every queued event, reporting false once the stream should stop.
func (s *Server) flushEvents(r *http.Request, sse *SSEWriter, queue *eventQueue) bool {
	for _, ev := range queue.drain() {
		if err := sse.WriteEvent(ev); err != nil {
			s.log(r).Info("run stream write failed", "error", err)
			return false
		}
		if ev.IsTerminal() {
			return false
		}
	}
	return true
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}

// snapshotID parses the {id} path value, writing a 400 when it is malformed.
func (s *Server) snapshotID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorFrom(w, r, &ErrValidation{Field: "id", Message: "must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

// eventQueue buffers run events between the coordinator, which must never
// block on a listener, and the goroutine writing the response.
type eventQueue struct {
	mu     sync.Mutex
	events []types.StreamEvent
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev types.StreamEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []types.StreamEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}
