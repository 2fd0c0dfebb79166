package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/types"
)

// ActiveRun is the coordinator's bookkeeping for one run.
type ActiveRun struct {
	domain     string
	replaySize int
	cancel     context.CancelFunc
	cancelled  atomic.Bool

	ready      chan struct{}
	terminated chan struct{}
	done       chan struct{}

	mu          sync.Mutex
	info        RunInfo
	readyClosed bool
	terminal    bool
	events      []types.StreamEvent
	dropped     int
	subscribers []*Subscription
	nextSubID   int
	result      *types.RunResult
	err         error
}

func newActiveRun(domain string, startedAt time.Time, replaySize int) *ActiveRun {
	return &ActiveRun{
		domain:     domain,
		replaySize: replaySize,
		ready:      make(chan struct{}),
		terminated: make(chan struct{}),
		done:       make(chan struct{}),
		info:       RunInfo{Domain: domain, StartedAt: startedAt},
	}
}

// Info returns the run's identity. SnapshotID is zero until the snapshot exists.
func (r *ActiveRun) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// SnapshotID returns the run's snapshot id.
func (r *ActiveRun) SnapshotID() uuid.UUID {
	return r.Info().SnapshotID
}

// Domain returns the domain the run collects.
func (r *ActiveRun) Domain() string {
	return r.domain
}

// Cancelled reports whether cancellation was requested.
func (r *ActiveRun) Cancelled() bool {
	return r.cancelled.Load()
}

// Events returns a copy of the replay buffer.
func (r *ActiveRun) Events() []types.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StreamEvent(nil), r.events...)
}

// Done is closed once the runner has returned.
func (r *ActiveRun) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx ends.
func (r *ActiveRun) Wait(ctx context.Context) (*types.RunResult, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

func (r *ActiveRun) markReady() {
	if !r.readyClosed {
		r.readyClosed = true
		close(r.ready)
	}
}

// append adds ev to the replay buffer. When the buffer is full the oldest
// event after snapshot-created is dropped.
func (r *ActiveRun) append(ev types.StreamEvent) {
	if r.replaySize > 0 && len(r.events) >= r.replaySize {
		copy(r.events[1:], r.events[2:])
		r.events = r.events[:len(r.events)-1]
		r.dropped++
	}
	r.events = append(r.events, ev)
}

func (r *ActiveRun) deliver(ev types.StreamEvent, logger *slog.Logger) {
	live := r.subscribers[:0]
	for _, sub := range r.subscribers {
		if sub.call(ev, logger) {
			live = append(live, sub)
		}
	}
	for i := len(live); i < len(r.subscribers); i++ {
		r.subscribers[i] = nil
	}
	r.subscribers = live
}

func (r *ActiveRun) subscribe(listener Listener, opts SubscribeOptions, logger *slog.Logger) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSubID++
	sub := &Subscription{run: r, id: r.nextSubID, listener: listener}
	if opts.Replay {
		for _, ev := range r.events {
			if !sub.call(ev, logger) {
				return sub
			}
		}
	}
	if !r.terminal {
		r.subscribers = append(r.subscribers, sub)
	}
	return sub
}

func (r *ActiveRun) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subscribers {
		if s == sub {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			return
		}
	}
}

// Subscription is a listener attached to a run.
type Subscription struct {
	run      *ActiveRun
	id       int
	listener Listener
	once     sync.Once
}

// Done is closed once the run has emitted its terminal event.
func (s *Subscription) Done() <-chan struct{} {
	return s.run.terminated
}

// SnapshotID returns the id of the subscribed run.
func (s *Subscription) SnapshotID() uuid.UUID {
	return s.run.SnapshotID()
}

// Unsubscribe detaches the listener. It must not be called from the listener.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.run.unsubscribe(s) })
}

// call invokes the listener, reporting false if it panicked.
func (s *Subscription) call(ev types.StreamEvent, logger *slog.Logger) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.Warn("run listener panicked, detaching it",
				"snapshot_id", ev.SnapshotID.String(), "subscriber", s.id, "panic", p)
			ok = false
		}
	}()
	s.listener(ev)
	return true
}
