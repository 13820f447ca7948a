package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	errx "github.com/Chative-core-poc-v1/agentrelay/internal/core/error"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const provisionalPrefix = "pending-"

// NewProvisionalKey returns a key for a session the engine has not named yet.
func NewProvisionalKey() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether key was minted by NewProvisionalKey.
func IsProvisional(key string) bool {
	return strings.HasPrefix(key, provisionalPrefix)
}

type Status string

const (
	StatusIdle   Status = "idle"
	StatusActive Status = "active"
	StatusBusy   Status = "busy"
)

// State is the in-memory record of one session. It is shared by every key the
// session is known under.
type State struct {
	key string
	reg *Registry

	// turn serializes the session's turns.
	turn *semaphore.Weighted

	mu           sync.Mutex
	realID       string
	connIndex    int
	turnCount    int
	preview      string
	userID       string
	createdAt    time.Time
	lastAccessed time.Time
	seq          uint64
	holding      bool
	waiters      int
	numTurns     int
	totalCost    float64
}

func newState(reg *Registry, key string) *State {
	now := reg.now()
	return &State{
		key:          key,
		reg:          reg,
		turn:         semaphore.NewWeighted(1),
		connIndex:    -1,
		createdAt:    now,
		lastAccessed: now,
		seq:          reg.seq.Add(1),
	}
}

// Key returns the key the session was first registered under.
func (s *State) Key() string { return s.key }

// ID returns the real engine id when known, otherwise the key.
func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.realID != "" {
		return s.realID
	}
	return s.key
}

func (s *State) RealID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realID
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *State) statusLocked() Status {
	switch {
	case !s.holding:
		return StatusIdle
	case s.waiters > 0:
		return StatusBusy
	default:
		return StatusActive
	}
}

// Lock takes the session's turn lock, waiting at most timeout. A timeout
// yields errx.ErrBusy; a zero timeout waits for ctx only.
func (s *State) Lock(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	s.waiters++
	s.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := s.turn.Acquire(waitCtx, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters--
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return errx.Busy(s.idLocked())
		}
		return err
	}
	s.holding = true
	return nil
}

// Unlock releases the turn lock taken by Lock.
func (s *State) Unlock() {
	s.mu.Lock()
	if !s.holding {
		s.mu.Unlock()
		return
	}
	s.holding = false
	s.mu.Unlock()
	s.turn.Release(1)
}

func (s *State) idLocked() string {
	if s.realID != "" {
		return s.realID
	}
	return s.key
}

// Touch marks the session as just used.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccessed = s.reg.now()
	s.seq = s.reg.seq.Add(1)
}

// BeginTurn counts a new turn and remembers the first message as the preview.
// It returns the session's turn count including this turn.
func (s *State) BeginTurn(preview string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCount++
	if s.preview == "" {
		s.preview = preview
	}
	s.lastAccessed = s.reg.now()
	s.seq = s.reg.seq.Add(1)
	return s.turnCount
}

// CancelTurn undoes BeginTurn for a turn that never reached the engine.
func (s *State) CancelTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCount > 0 {
		s.turnCount--
	}
}

// EndTurn accumulates engine reported usage.
func (s *State) EndTurn(numTurns int, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numTurns += numTurns
	s.totalCost += cost
	s.lastAccessed = s.reg.now()
	s.seq = s.reg.seq.Add(1)
}

func (s *State) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

func (s *State) ConnIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connIndex
}

func (s *State) SetConnIndex(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connIndex = idx
}

// Info is a point-in-time copy of a session for listings.
type Info struct {
	Key          string    `json:"key"`
	SessionID    string    `json:"session_id"`
	Status       Status    `json:"status"`
	ConnIndex    int       `json:"conn_index"`
	TurnCount    int       `json:"turn_count"`
	EngineTurns  int       `json:"engine_turns"`
	TotalCost    float64   `json:"total_cost"`
	Preview      string    `json:"preview"`
	UserID       string    `json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

func (s *State) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Key:          s.key,
		SessionID:    s.idLocked(),
		Status:       s.statusLocked(),
		ConnIndex:    s.connIndex,
		TurnCount:    s.turnCount,
		EngineTurns:  s.numTurns,
		TotalCost:    s.totalCost,
		Preview:      s.preview,
		UserID:       s.userID,
		CreatedAt:    s.createdAt,
		LastAccessed: s.lastAccessed,
	}
}
