package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	errx "github.com/Chative-core-poc-v1/agentrelay/internal/core/error"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRegistry(clock *fakeClock, maxSessions int, ttl time.Duration, evicted *[]string) *Registry {
	return NewRegistry(
		model.SessionConfig{TTL: ttl, MaxSessions: maxSessions},
		WithClock(clock.Now),
		WithEvictHook(func(st *State) { *evicted = append(*evicted, st.ID()) }),
	)
}

func TestProvisionalKeys(t *testing.T) {
	k := NewProvisionalKey()
	assert.True(t, IsProvisional(k))
	assert.NotEqual(t, k, NewProvisionalKey())
	assert.False(t, IsProvisional("6a1e5f1c-real"))
}

func TestRegister_AliasesResolveToSameState(t *testing.T) {
	var evicted []string
	r := newRegistry(newFakeClock(), 100, time.Hour, &evicted)

	st := r.Register("pending-1", 0, Metadata{UserID: "u1", Preview: "hello"})
	assert.Equal(t, "pending-1", st.ID())

	again := r.Register("pending-1", 0, Metadata{RealID: "real-1"})
	assert.Same(t, st, again)
	assert.Equal(t, "real-1", st.ID())
	assert.Equal(t, "pending-1", st.Key())

	byReal, ok := r.Resolve("real-1")
	require.True(t, ok)
	byKey, ok := r.Resolve("pending-1")
	require.True(t, ok)
	assert.Same(t, byReal, byKey)
	assert.Equal(t, 1, r.Len())

	info := st.Info()
	assert.Equal(t, "u1", info.UserID)
	assert.Equal(t, "hello", info.Preview)
	assert.Equal(t, StatusIdle, info.Status)
}

func TestRegister_IsIdempotent(t *testing.T) {
	var evicted []string
	r := newRegistry(newFakeClock(), 100, time.Hour, &evicted)

	a := r.Register("real-1", 2, Metadata{RealID: "real-1"})
	b := r.Register("real-1", 2, Metadata{RealID: "real-1"})
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.List(), 1)
	assert.Equal(t, 2, a.ConnIndex())

	r.Register("real-1", -1, Metadata{RealID: "other"})
	assert.Equal(t, "real-1", a.RealID(), "real id is set once")
	assert.Equal(t, 2, a.ConnIndex())
}

func TestEvict_LeastRecentlyAccessedBeyondMax(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	r := newRegistry(clock, 100, time.Hour, &evicted)

	for i := 0; i <= 100; i++ {
		r.Register(fmt.Sprintf("s%03d", i), -1, Metadata{})
		clock.Advance(time.Second)
	}

	assert.Equal(t, []string{"s000"}, evicted)
	assert.Equal(t, 100, r.Len())
	_, ok := r.Resolve("s000")
	assert.False(t, ok)
	_, ok = r.Resolve("s100")
	assert.True(t, ok)
}

func TestEvict_TieBreaksByAccessOrder(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	r := newRegistry(clock, 2, 0, &evicted)

	r.Register("a", -1, Metadata{})
	r.Register("b", -1, Metadata{})
	a, _ := r.Resolve("a")
	a.Touch()
	r.Register("c", -1, Metadata{})

	assert.Equal(t, []string{"b"}, evicted)
}

func TestEvict_TTL(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	r := newRegistry(clock, 100, time.Hour, &evicted)

	r.Register("old", -1, Metadata{})
	clock.Advance(30 * time.Minute)
	r.Register("young", -1, Metadata{})
	clock.Advance(31 * time.Minute)

	assert.Len(t, r.Evict(), 1)
	assert.Equal(t, []string{"old"}, evicted)
	assert.Equal(t, 1, r.Len())
}

func TestEvict_NeverEvictsActiveSessions(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	r := newRegistry(clock, 1, time.Minute, &evicted)

	busy := r.Register("busy", -1, Metadata{})
	require.NoError(t, busy.Lock(context.Background(), time.Second))
	defer busy.Unlock()

	clock.Advance(time.Hour)
	r.Register("other", -1, Metadata{})

	_, ok := r.Resolve("busy")
	assert.True(t, ok)
	assert.Empty(t, evicted, "neither the active nor the newly registered session is evicted")
	assert.Equal(t, 2, r.Len())

	busy.Unlock()
	clock.Advance(2 * time.Minute)
	r.Evict()
	assert.ElementsMatch(t, []string{"busy", "other"}, evicted)
}

func TestRemove(t *testing.T) {
	var evicted []string
	r := newRegistry(newFakeClock(), 10, 0, &evicted)

	r.Register("pending-1", 0, Metadata{RealID: "real-1"})
	st, ok := r.Remove("real-1")
	require.True(t, ok)
	assert.Equal(t, "real-1", st.ID())
	_, ok = r.Resolve("pending-1")
	assert.False(t, ok)
	_, ok = r.Remove("real-1")
	assert.False(t, ok)
	assert.Empty(t, evicted)
}

func TestState_LockStatusAndBusy(t *testing.T) {
	var evicted []string
	r := newRegistry(newFakeClock(), 10, 0, &evicted)
	st := r.Register("s", -1, Metadata{})
	ctx := context.Background()

	require.NoError(t, st.Lock(ctx, time.Second))
	assert.Equal(t, StatusActive, st.Status())

	waiting := make(chan error, 1)
	go func() { waiting <- st.Lock(ctx, 100*time.Millisecond) }()

	assert.Eventually(t, func() bool { return st.Status() == StatusBusy }, time.Second, 5*time.Millisecond)

	start := time.Now()
	err := <-waiting
	require.Error(t, err)
	assert.ErrorIs(t, err, errx.ErrBusy)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusActive, st.Status())

	st.Unlock()
	st.Unlock()
	assert.Equal(t, StatusIdle, st.Status())

	require.NoError(t, st.Lock(ctx, time.Second))
	st.Unlock()
}

func TestState_LockHonoursContext(t *testing.T) {
	var evicted []string
	r := newRegistry(newFakeClock(), 10, 0, &evicted)
	st := r.Register("s", -1, Metadata{})
	require.NoError(t, st.Lock(context.Background(), 0))
	defer st.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, st.Lock(ctx, time.Minute), context.Canceled)
}

func TestState_Turns(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	r := newRegistry(clock, 10, 0, &evicted)
	st := r.Register("s", -1, Metadata{})

	assert.Equal(t, 1, st.BeginTurn("first question"))
	clock.Advance(time.Minute)
	assert.Equal(t, 2, st.BeginTurn("second question"))
	st.EndTurn(3, 0.5)

	info := st.Info()
	assert.Equal(t, 2, info.TurnCount)
	assert.Equal(t, 3, info.EngineTurns)
	assert.Equal(t, 0.5, info.TotalCost)
	assert.Equal(t, "first question", info.Preview)
	assert.Equal(t, clock.Now(), info.LastAccessed)
}

func TestList_OldestFirst(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	r := newRegistry(clock, 10, 0, &evicted)
	r.Register("b", -1, Metadata{})
	clock.Advance(time.Second)
	r.Register("a", -1, Metadata{RealID: "real-a"})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].SessionID)
	assert.Equal(t, "real-a", list[1].SessionID)
}

func TestAlias(t *testing.T) {
	var evicted []string
	r := newRegistry(newFakeClock(), 10, 0, &evicted)

	st := r.Register("pending-1", 0, Metadata{})
	assert.True(t, r.Alias(st, "real-1"))
	got, ok := r.Resolve("real-1")
	require.True(t, ok)
	assert.Same(t, st, got)
	assert.False(t, r.Alias(st, "real-2"), "real id is set once")
	assert.False(t, r.Alias(st, ""))

	gone := r.Register("pending-2", 1, Metadata{})
	r.Remove("pending-2")
	assert.False(t, r.Alias(gone, "real-3"))
	assert.Equal(t, "real-3", gone.ID())
	_, ok = r.Resolve("real-3")
	assert.False(t, ok)
}

func TestState_CancelTurn(t *testing.T) {
	var evicted []string
	r := newRegistry(newFakeClock(), 10, 0, &evicted)
	st := r.Register("s", -1, Metadata{})
	st.BeginTurn("x")
	st.CancelTurn()
	st.CancelTurn()
	assert.Zero(t, st.TurnCount())
}
