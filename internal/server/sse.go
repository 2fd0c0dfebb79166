package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// doneSentinel terminates every event stream.
const doneSentinel = "[DONE]"

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends data as one JSON frame.
func (s *SSEWriter) WriteEvent(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.write(jsonData)
}

// Close sends the [DONE] sentinel. Later writes are dropped.
func (s *SSEWriter) Close() {
	s.write([]byte(doneSentinel)) //nolint:errcheck
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *SSEWriter) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
