package conversation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Chative-core-poc-v1/agentrelay/internal/event"
)

// Phase is the lifecycle of one turn's drain task.
type Phase int32

const (
	// PhaseDraining reads engine messages and forwards events.
	PhaseDraining Phase = iota
	// PhaseCompleting flushes history and releases the connection and lock.
	PhaseCompleting
	// PhaseIdle means the turn is over and the events channel is closed.
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseDraining:
		return "draining"
	case PhaseCompleting:
		return "completing"
	default:
		return "idle"
	}
}

// Stream is the caller side of one turn. Consume Events until it is closed,
// or cancel the context passed to the Service to stop consuming; the turn
// itself keeps running until the engine finishes it.
type Stream struct {
	key   string
	out   chan event.Event
	phase atomic.Int32
	done  chan struct{}

	detach     chan struct{}
	detachOnce sync.Once

	mu       sync.Mutex
	response *CompleteResponse
	err      error
	sid      string
}

func newStream(key string, buffer int) *Stream {
	return &Stream{
		key:    key,
		out:    make(chan event.Event, buffer),
		done:   make(chan struct{}),
		detach: make(chan struct{}),
	}
}

// Key is the key the caller addressed the session with.
func (s *Stream) Key() string { return s.key }

// SessionID returns the engine session id once it is known, otherwise the key.
func (s *Stream) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sid != "" {
		return s.sid
	}
	return s.key
}

func (s *Stream) setSessionID(id string) {
	s.mu.Lock()
	s.sid = id
	s.mu.Unlock()
}

// Events yields the turn's canonical events in engine order. Exactly one
// terminal event (done or error) is delivered unless the caller detached.
// The channel is always closed.
func (s *Stream) Events() <-chan event.Event { return s.out }

func (s *Stream) Phase() Phase { return Phase(s.phase.Load()) }

// Done is closed once the turn has fully completed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Detach stops delivery to Events. The turn keeps draining in the background.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.detach) })
}

// Wait blocks until the turn completes and returns its aggregated result.
// Leaving early through ctx does not stop the turn.
func (s *Stream) Wait(ctx context.Context) (*CompleteResponse, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response, s.err
}

// sink forwards events to the caller until it detaches or its context ends.
type sink struct {
	stream   *Stream
	ctx      context.Context
	detached bool
}

func (k *sink) send(ev event.Event) {
	if k.detached {
		return
	}
	select {
	case k.stream.out <- ev:
	case <-k.ctx.Done():
		k.detached = true
	case <-k.stream.detach:
		k.detached = true
	}
}

func (k *sink) close() {
	close(k.stream.out)
}
