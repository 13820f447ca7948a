// Package session tracks live sessions: the keys they are known under, their
// status and their turn lock. The registry owns the eviction policy.
package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

// Metadata is applied by Register. Empty fields leave the state unchanged.
type Metadata struct {
	// RealID is the engine session id. It is set once and becomes a second key.
	RealID  string
	UserID  string
	Preview string
}

type Registry struct {
	ttl         time.Duration
	maxSessions int
	now         func() time.Time
	onEvict     func(*State)
	seq         atomic.Uint64

	mu    sync.RWMutex
	byKey map[string]*State
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEvictHook is called, outside the registry lock, for every evicted session.
func WithEvictHook(fn func(*State)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

func NewRegistry(cfg model.SessionConfig, opts ...Option) *Registry {
	r := &Registry{
		ttl:         cfg.TTL,
		maxSessions: cfg.MaxSessions,
		now:         time.Now,
		byKey:       map[string]*State{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates or updates the session known as key. Registering the same
// key again, with or without the same real id, returns the same state.
// A negative connIndex leaves the bound connection unchanged.
func (r *Registry) Register(key string, connIndex int, meta Metadata) *State {
	r.mu.Lock()
	st, ok := r.byKey[key]
	if !ok && meta.RealID != "" {
		st, ok = r.byKey[meta.RealID]
	}
	if !ok {
		st = newState(r, key)
	}
	r.byKey[key] = st

	st.mu.Lock()
	if connIndex >= 0 {
		st.connIndex = connIndex
	}
	if meta.RealID != "" && st.realID == "" {
		st.realID = meta.RealID
	}
	if meta.UserID != "" && st.userID == "" {
		st.userID = meta.UserID
	}
	if meta.Preview != "" && st.preview == "" {
		st.preview = meta.Preview
	}
	st.lastAccessed = r.now()
	st.seq = r.seq.Add(1)
	realID := st.realID
	st.mu.Unlock()

	if realID != "" {
		r.byKey[realID] = st
	}
	evicted := r.evictLocked(st)
	r.mu.Unlock()

	r.notify(evicted)
	return st
}

// Alias records realID on st and registers it as a second key, unless st was
// removed meanwhile. It reports whether the key was added.
func (r *Registry) Alias(st *State, realID string) bool {
	if realID == "" {
		return false
	}
	st.mu.Lock()
	if st.realID == "" {
		st.realID = realID
	}
	same := st.realID == realID
	st.mu.Unlock()
	if !same {
		return false
	}

	r.mu.Lock()
	if r.byKey[st.key] != st {
		r.mu.Unlock()
		return false
	}
	r.byKey[realID] = st
	evicted := r.evictLocked(st)
	r.mu.Unlock()

	r.notify(evicted)
	return true
}

// Resolve finds a session by provisional key or real id.
func (r *Registry) Resolve(key string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.byKey[key]
	return st, ok
}

// Remove forgets the session known as key under all of its keys.
func (r *Registry) Remove(key string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	r.removeLocked(st)
	return st, true
}

// Evict drops sessions idle for longer than the TTL, then the least recently
// accessed idle sessions while more than the maximum remain. Sessions with a
// turn in flight are never evicted.
func (r *Registry) Evict() []*State {
	r.mu.Lock()
	evicted := r.evictLocked(nil)
	r.mu.Unlock()
	r.notify(evicted)
	return evicted
}

type candidate struct {
	st       *State
	accessed time.Time
	seq      uint64
}

// evictLocked never picks keep, the session being registered.
func (r *Registry) evictLocked(keep *State) []*State {
	var evicted []*State
	now := r.now()

	var idle []candidate
	total := 0
	for _, st := range r.uniqueLocked() {
		total++
		st.mu.Lock()
		c := candidate{st: st, accessed: st.lastAccessed, seq: st.seq}
		isIdle := !st.holding && st.waiters == 0
		st.mu.Unlock()
		if !isIdle || st == keep {
			continue
		}
		if r.ttl > 0 && now.Sub(c.accessed) > r.ttl {
			r.removeLocked(st)
			evicted = append(evicted, st)
			total--
			continue
		}
		idle = append(idle, c)
	}

	if r.maxSessions > 0 && total > r.maxSessions {
		sort.Slice(idle, func(i, j int) bool {
			if !idle[i].accessed.Equal(idle[j].accessed) {
				return idle[i].accessed.Before(idle[j].accessed)
			}
			return idle[i].seq < idle[j].seq
		})
		for _, c := range idle {
			if total <= r.maxSessions {
				break
			}
			r.removeLocked(c.st)
			evicted = append(evicted, c.st)
			total--
		}
	}
	return evicted
}

func (r *Registry) removeLocked(st *State) {
	for k, v := range r.byKey {
		if v == st {
			delete(r.byKey, k)
		}
	}
}

func (r *Registry) uniqueLocked() []*State {
	seen := make(map[*State]struct{}, len(r.byKey))
	out := make([]*State, 0, len(r.byKey))
	for _, st := range r.byKey {
		if _, ok := seen[st]; ok {
			continue
		}
		seen[st] = struct{}{}
		out = append(out, st)
	}
	return out
}

func (r *Registry) notify(evicted []*State) {
	for _, st := range evicted {
		logx.Debug().Str("session_id", st.ID()).Msg("session evicted")
		if r.onEvict != nil {
			r.onEvict(st)
		}
	}
}

// Len returns the number of distinct sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.uniqueLocked())
}

// List returns every session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	states := r.uniqueLocked()
	r.mu.RUnlock()

	out := make([]Info, 0, len(states))
	for _, st := range states {
		out = append(out, st.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}
