// Package pool multiplexes sessions onto a fixed set of engine connections.
//
// Each slot is leased exclusively: a lease holds the slot lock and one
// semaphore permit until Conn.Release. Bindings from session keys to slots
// outlive leases so a session keeps returning to the same connection until
// its slot is released, reset or stolen by another session.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	errx "github.com/Chative-core-poc-v1/agentrelay/internal/core/error"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const retrySelectEvery = 5 * time.Millisecond

type slot struct {
	index int
	// lock is a one-token mutex that can be awaited with a context.
	lock chan struct{}

	// guarded by Pool.mu
	client   engine.Client
	keys     map[string]struct{}
	leased   bool
	lastUsed time.Time
}

func (s *slot) tryLock() bool {
	select {
	case s.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *slot) lockCtx(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) unlock() { <-s.lock }

type Pool struct {
	connector      engine.Connector
	acquireTimeout time.Duration
	sem            *semaphore.Weighted
	now            func() time.Time

	mu       sync.Mutex
	slots    []*slot
	bindings map[string]int
	closed   bool
}

type Option func(*Pool)

// WithClock overrides the clock used for least-recently-used ordering.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func New(connector engine.Connector, cfg model.PoolConfig, opts ...Option) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		connector:      connector,
		acquireTimeout: cfg.AcquireTimeout,
		sem:            semaphore.NewWeighted(int64(size)),
		now:            time.Now,
		slots:          make([]*slot, size),
		bindings:       map[string]int{},
	}
	for i := range p.slots {
		p.slots[i] = &slot{index: i, lock: make(chan struct{}, 1), keys: map[string]struct{}{}}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// Conn is a leased pool slot.
type Conn struct {
	pool *Pool
	slot *slot
	key  string
	once sync.Once
}

func (c *Conn) Index() int { return c.slot.index }

func (c *Conn) Key() string { return c.key }

func (c *Conn) Client() engine.Client {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.slot.client
}

// Release ends the lease. The key stays bound to the slot.
func (c *Conn) Release() {
	c.once.Do(func() {
		p := c.pool
		p.mu.Lock()
		c.slot.leased = false
		c.slot.lastUsed = p.now()
		p.mu.Unlock()
		c.slot.unlock()
		p.sem.Release(1)
	})
}

// Invalidate disconnects the leased client and ends the lease. The slot
// reconnects on its next acquisition.
func (c *Conn) Invalidate(ctx context.Context) error {
	p := c.pool
	p.mu.Lock()
	client := c.slot.client
	c.slot.client = nil
	p.mu.Unlock()

	var err error
	if client != nil {
		err = client.Disconnect(ctx)
	}
	c.Release()
	return err
}

// Acquire leases the slot for key, waiting for a free slot for at most the
// configured acquire timeout.
func (p *Pool) Acquire(ctx context.Context, key string) (*Conn, error) {
	if p.isClosed() {
		return nil, errx.Closed("pool")
	}

	waitCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logx.Warn().Str("session_key", key).Dur("timeout", p.acquireTimeout).Msg("connection pool exhausted")
		return nil, errx.PoolExhausted(err)
	}

	s, err := p.lease(waitCtx, key)
	if err != nil {
		p.sem.Release(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errx.PoolExhausted(err)
		}
		return nil, err
	}

	if err := p.ensureConnected(ctx, s); err != nil {
		p.mu.Lock()
		p.unbindSlot(s)
		s.leased = false
		p.mu.Unlock()
		s.unlock()
		p.sem.Release(1)
		logx.Error().Err(err).Int("slot", s.index).Str("session_key", key).Msg("failed to connect engine client")
		return nil, errx.Engine(err)
	}

	return &Conn{pool: p, slot: s, key: key}, nil
}

// lease locks a slot for key and binds key to it. The caller holds a permit.
func (p *Pool) lease(ctx context.Context, key string) (*slot, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errx.Closed("pool")
		}

		if idx, ok := p.bindings[key]; ok {
			s := p.slots[idx]
			if s.tryLock() {
				p.take(s, key)
				p.mu.Unlock()
				return s, nil
			}
			p.mu.Unlock()
			// the slot may still be finishing a turn for this session
			if err := s.lockCtx(ctx); err != nil {
				return nil, err
			}
			p.mu.Lock()
			if idx2, ok := p.bindings[key]; ok && idx2 == idx && !p.closed {
				p.take(s, key)
				p.mu.Unlock()
				return s, nil
			}
			p.mu.Unlock()
			s.unlock()
			continue
		}

		if s := p.pickFree(); s != nil {
			if len(s.keys) > 0 {
				logx.Debug().Int("slot", s.index).Strs("previous", keysOf(s)).Str("session_key", key).Msg("rebinding idle connection")
				p.unbindSlot(s)
			}
			p.take(s, key)
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retrySelectEvery):
		}
	}
}

// pickFree locks and returns an unleased slot: unbound connected slots first,
// then unbound ones, then the least recently used bound slot. Called with mu held.
func (p *Pool) pickFree() *slot {
	candidates := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		if !s.leased {
			candidates = append(candidates, s)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (len(a.keys) == 0) != (len(b.keys) == 0) {
			return len(a.keys) == 0
		}
		if len(a.keys) == 0 {
			return a.client != nil && b.client == nil
		}
		return a.lastUsed.Before(b.lastUsed)
	})
	for _, s := range candidates {
		if s.tryLock() {
			return s
		}
	}
	return nil
}

func (p *Pool) take(s *slot, key string) {
	s.leased = true
	s.keys[key] = struct{}{}
	p.bindings[key] = s.index
	s.lastUsed = p.now()
}

func (p *Pool) unbindSlot(s *slot) {
	for k := range s.keys {
		delete(p.bindings, k)
	}
	s.keys = map[string]struct{}{}
}

func (p *Pool) ensureConnected(ctx context.Context, s *slot) error {
	p.mu.Lock()
	connected := s.client != nil
	p.mu.Unlock()
	if connected {
		return nil
	}

	client, err := p.connector.Connect(ctx, engine.ConnectOptions{Slot: s.index})
	if err != nil {
		return err
	}
	p.mu.Lock()
	s.client = client
	p.mu.Unlock()
	logx.Debug().Int("slot", s.index).Msg("engine client connected")
	return nil
}

// Alias binds alias to the slot bound to key.
func (p *Pool) Alias(key, alias string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.bindings[key]
	if !ok {
		return false
	}
	if prev, ok := p.bindings[alias]; ok && prev != idx {
		delete(p.slots[prev].keys, alias)
	}
	p.bindings[alias] = idx
	p.slots[idx].keys[alias] = struct{}{}
	return true
}

// Release unbinds key and every alias sharing its slot. The connection stays
// open for other sessions.
func (p *Pool) Release(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.bindings[key]
	if !ok {
		return false
	}
	p.unbindSlot(p.slots[idx])
	return true
}

// Bound returns the slot index bound to key.
func (p *Pool) Bound(key string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.bindings[key]
	return idx, ok
}

// Interrupt signals the client bound to key. It reports false when no
// connected client is bound, or when the bound slot is not leased and so has
// no turn in flight.
func (p *Pool) Interrupt(ctx context.Context, key string) bool {
	p.mu.Lock()
	idx, ok := p.bindings[key]
	var client engine.Client
	if ok && p.slots[idx].leased {
		client = p.slots[idx].client
	}
	p.mu.Unlock()
	if client == nil {
		return false
	}
	if err := client.Interrupt(ctx); err != nil {
		logx.Warn().Err(err).Int("slot", idx).Str("session_key", key).Msg("interrupt failed")
		return false
	}
	return true
}

// Reset disconnects one slot once its current lease ends and drops its bindings.
func (p *Pool) Reset(ctx context.Context, index int) error {
	if index < 0 || index >= len(p.slots) {
		return fmt.Errorf("pool slot %d out of range", index)
	}
	s := p.slots[index]
	if err := s.lockCtx(ctx); err != nil {
		return err
	}
	defer s.unlock()
	return p.disconnect(ctx, s)
}

func (p *Pool) disconnect(ctx context.Context, s *slot) error {
	p.mu.Lock()
	client := s.client
	s.client = nil
	p.unbindSlot(s)
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect slot %d: %w", s.index, err)
	}
	return nil
}

// Close refuses new acquisitions and disconnects every slot concurrently,
// waiting for in-flight leases until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.slots {
		g.Go(func() error {
			if err := s.lockCtx(ctx); err != nil {
				logx.Warn().Int("slot", s.index).Msg("closing slot with a lease still in flight")
				return p.disconnect(gctx, s)
			}
			defer s.unlock()
			return p.disconnect(gctx, s)
		})
	}
	return g.Wait()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SlotInfo describes one slot for listings and tests.
type SlotInfo struct {
	Index     int
	Connected bool
	Leased    bool
	Keys      []string
	LastUsed  time.Time
}

func (p *Pool) Stats() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		out[i] = SlotInfo{Index: i, Connected: s.client != nil, Leased: s.leased, Keys: keysOf(s), LastUsed: s.lastUsed}
	}
	return out
}

func keysOf(s *slot) []string {
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
