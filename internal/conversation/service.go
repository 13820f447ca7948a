// Package conversation is the relay's public API: it resolves sessions, leases
// engine connections, drains engine responses into canonical events and
// records history along the way.
package conversation

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	errx "github.com/Chative-core-poc-v1/agentrelay/internal/core/error"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/event"
	"github.com/Chative-core-poc-v1/agentrelay/internal/history"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	"github.com/Chative-core-poc-v1/agentrelay/internal/pool"
	"github.com/Chative-core-poc-v1/agentrelay/internal/session"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

const defaultEventBuffer = 64

type Config struct {
	Pool    model.PoolConfig
	Session model.SessionConfig
	// EventBuffer is the capacity of each stream's events channel.
	EventBuffer int
}

type ObserverFactory func(key, sessionID string) history.Observer

type options struct {
	poolOpts     []pool.Option
	registryOpts []session.Option
	observer     ObserverFactory
}

type Option func(*options)

func WithPoolOptions(opts ...pool.Option) Option {
	return func(o *options) { o.poolOpts = append(o.poolOpts, opts...) }
}

func WithRegistryOptions(opts ...session.Option) Option {
	return func(o *options) { o.registryOpts = append(o.registryOpts, opts...) }
}

// WithObserver replaces the history recorder built for every turn.
func WithObserver(f ObserverFactory) Option {
	return func(o *options) { o.observer = f }
}

// Service is the long-lived orchestrator. Create one per process.
type Service struct {
	cfg      Config
	pool     *pool.Pool
	registry *session.Registry
	history  model.HistoryRepository
	observe  ObserverFactory

	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewService(connector engine.Connector, repo model.HistoryRepository, cfg Config, opts ...Option) *Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	s := &Service{cfg: cfg, history: repo}
	s.pool = pool.New(connector, cfg.Pool, o.poolOpts...)
	s.registry = session.NewRegistry(cfg.Session, append(o.registryOpts, session.WithEvictHook(s.onEvict))...)
	s.observe = o.observer
	if s.observe == nil {
		s.observe = func(key, sessionID string) history.Observer {
			return history.NewRecorder(repo, key, sessionID)
		}
	}
	return s
}

func (s *Service) Pool() *pool.Pool { return s.pool }

func (s *Service) Registry() *session.Registry { return s.registry }

func (s *Service) onEvict(st *session.State) {
	s.pool.Release(st.Key())
}

// CreateAndStream starts a new session, or continues req.ResumeID, and
// streams the first turn.
func (s *Service) CreateAndStream(ctx context.Context, req Request) (*Stream, error) {
	if s.closed.Load() {
		return nil, errx.Closed("conversation service")
	}
	if req.ResumeID != "" {
		st, ok := s.registry.Resolve(req.ResumeID)
		if !ok {
			st = s.resume(req.ResumeID, req.UserID)
		}
		return s.startTurn(ctx, st, req.ResumeID, req, !ok, true)
	}
	key := session.NewProvisionalKey()
	st := s.registry.Register(key, -1, session.Metadata{UserID: req.UserID})
	return s.startTurn(ctx, st, key, req, true, true)
}

// StreamMessage streams a turn of an existing session. An unknown
// provisional key creates the session under that key; an unknown real id is
// resumed at engine level.
func (s *Service) StreamMessage(ctx context.Context, sessionID string, req Request) (*Stream, error) {
	if s.closed.Load() {
		return nil, errx.Closed("conversation service")
	}
	st, ok := s.registry.Resolve(sessionID)
	if !ok {
		if session.IsProvisional(sessionID) {
			st = s.registry.Register(sessionID, -1, session.Metadata{UserID: req.UserID})
		} else {
			st = s.resume(sessionID, req.UserID)
		}
	}
	return s.startTurn(ctx, st, sessionID, req, !ok, true)
}

// SendMessage runs one turn of a known session to completion and returns the
// aggregated result. A failed turn returns its partial result together with
// an engine error.
func (s *Service) SendMessage(ctx context.Context, sessionID string, req Request) (*CompleteResponse, error) {
	if s.closed.Load() {
		return nil, errx.Closed("conversation service")
	}
	st, ok := s.registry.Resolve(sessionID)
	if !ok {
		return nil, errx.NotFound(sessionID)
	}
	stream, err := s.startTurn(ctx, st, sessionID, req, false, false)
	if err != nil {
		return nil, err
	}
	return stream.Wait(ctx)
}

// Interrupt asks the engine to stop the session's in-flight turn. It reports
// false when the session has no turn in flight.
func (s *Service) Interrupt(ctx context.Context, sessionID string) bool {
	key := sessionID
	if st, ok := s.registry.Resolve(sessionID); ok {
		key = st.Key()
	}
	return s.pool.Interrupt(ctx, key)
}

func (s *Service) resume(realID, userID string) *session.State {
	logx.Info().Str("session_id", realID).Msg("resuming engine session")
	return s.registry.Register(realID, -1, session.Metadata{RealID: realID, UserID: userID})
}

func (s *Service) startTurn(ctx context.Context, st *session.State, key string, req Request, created, deliver bool) (*Stream, error) {
	if req.Content.IsEmpty() {
		if created {
			s.registry.Remove(st.Key())
		}
		return nil, errx.Invalid("message content is empty")
	}

	if err := st.Lock(ctx, s.cfg.Session.LockTimeout); err != nil {
		if created {
			s.registry.Remove(st.Key())
		}
		return nil, err
	}
	turnNo := st.BeginTurn(req.Content.Preview(s.cfg.Session.PreviewLength))

	conn, err := s.pool.Acquire(ctx, st.Key())
	if err != nil {
		st.CancelTurn()
		st.Unlock()
		if created {
			s.registry.Remove(st.Key())
		}
		return nil, err
	}
	st.SetConnIndex(conn.Index())

	stream := newStream(key, s.cfg.EventBuffer)
	if realID := st.RealID(); realID != "" {
		stream.setSessionID(realID)
	}
	if !deliver {
		stream.Detach()
	}

	obs := s.observe(st.Key(), st.RealID())
	if err := obs.User(ctx, req.Content); err != nil {
		logx.Warn().Err(err).Str("session_id", st.ID()).Msg("failed to record user message")
	}

	logx.Debug().Str("session_id", st.ID()).Int("slot", conn.Index()).Int("turn", turnNo).Msg("turn started")

	s.wg.Add(1)
	go s.drain(context.WithoutCancel(ctx), &sink{stream: stream, ctx: ctx}, st, conn, obs, req, turnNo)
	return stream, nil
}

// drain runs one turn to completion regardless of the caller.
func (s *Service) drain(ctx context.Context, snk *sink, st *session.State, conn *pool.Conn, obs history.Observer, req Request, turnNo int) {
	defer s.wg.Done()
	stream := snk.stream
	started := time.Now()
	t := newTurn()

	realID := st.RealID()
	forward := func(ev event.Event) {
		t.events = append(t.events, ev)
		snk.send(ev)
	}
	bind := func(id string) {
		if realID != "" {
			if id != realID {
				logx.Warn().Str("session_id", realID).Str("engine_session_id", id).Msg("engine reported a different session id")
			}
			return
		}
		realID = id
		s.registry.Alias(st, id)
		s.pool.Alias(st.Key(), id)
		stream.setSessionID(id)
		if err := obs.Bind(ctx, id); err != nil {
			logx.Warn().Err(err).Str("session_id", id).Msg("failed to flush deferred history")
		}
		forward(event.SessionIDEvent(id))
	}

	var cause error
	transportFailed := false

	client := conn.Client()
	err := client.Query(ctx, engine.Request{SessionID: realID, Content: req.Content})
	var sr *schema.StreamReader[engine.Message]
	if err == nil {
		sr, err = client.ReceiveResponse(ctx)
	}
	if err != nil {
		cause, transportFailed = err, true
	} else {
		for {
			msg, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				cause, transportFailed = err, true
				break
			}
			if id := msg.Session(); id != "" {
				bind(id)
			}
			if err := obs.Observe(ctx, msg); err != nil {
				logx.Warn().Err(err).Str("session_id", st.ID()).Msg("failed to record engine message")
			}
			s.apply(t, msg, forward)
		}
		sr.Close()
	}

	stream.phase.Store(int32(PhaseCompleting))
	if cause == nil {
		switch {
		case !t.sawResult:
			cause = errors.New("engine closed the response without a result")
		case t.resultErr != "":
			cause = errors.New(t.resultErr)
		}
	}
	if err := obs.Finish(ctx, cause); err != nil {
		logx.Warn().Err(err).Str("session_id", st.ID()).Msg("failed to flush turn history")
	}
	st.EndTurn(t.numTurns, t.totalCost)

	resp := &CompleteResponse{
		SessionID: st.ID(),
		Text:      t.text.String(),
		ToolCalls: t.calls,
		TurnCount: turnNo,
		TotalCost: t.totalCost,
	}
	terminal := event.Done(turnNo, t.totalCost)
	var turnErr error
	if cause != nil {
		terminal = event.FromError(cause)
		resp.Error = cause.Error()
		turnErr = errx.Engine(cause)
	}
	t.events = append(t.events, terminal)
	resp.Events = t.events
	stream.mu.Lock()
	stream.response, stream.err = resp, turnErr
	stream.mu.Unlock()

	if transportFailed {
		if err := conn.Invalidate(ctx); err != nil {
			logx.Warn().Err(err).Int("slot", conn.Index()).Msg("failed to disconnect broken engine client")
		}
	} else {
		conn.Release()
	}
	st.Unlock()

	var l *zerolog.Event
	if cause != nil {
		l = logx.Warn().Err(cause)
	} else {
		l = logx.Info()
	}
	l.Str("session_id", st.ID()).Int("turn", turnNo).Float64("cost_usd", t.totalCost).
		Dur("elapsed", time.Since(started)).Msg("turn finished")

	snk.send(terminal)
	snk.close()
	stream.phase.Store(int32(PhaseIdle))
	close(stream.done)
}

// apply folds one engine message into the turn and forwards its events.
func (s *Service) apply(t *turn, msg engine.Message, forward func(event.Event)) {
	for _, ev := range event.Normalize(msg) {
		switch ev.Kind {
		case event.KindSessionID:
			// announced by bind
		case event.KindUnknown:
			logx.Debug().Str("raw_type", ev.RawType).Msg("skipping unrecognized engine message")
		case event.KindTextDelta:
			if ev.Snapshot {
				if t.sawDelta {
					continue
				}
			} else {
				t.sawDelta = true
				t.text.Delta(ev.Text)
			}
			forward(ev)
		case event.KindToolUse:
			t.toolUse(ev)
			forward(ev)
		case event.KindToolResult:
			t.toolResult(ev)
			forward(ev)
		case event.KindDone:
			t.sawResult = true
		case event.KindError:
			t.sawResult = true
			t.resultErr = ev.Message
		}
	}

	switch m := msg.(type) {
	case engine.AssistantMessage:
		t.text.Assistant(m)
		t.sawDelta = false
	case engine.ResultMessage:
		t.numTurns = m.NumTurns
		t.totalCost = m.TotalCostUSD
	}
}

// CreateSession registers a session without running a turn. The returned key
// is provisional until the first turn binds the engine id.
func (s *Service) CreateSession(ctx context.Context, userID string) (session.Info, error) {
	if s.closed.Load() {
		return session.Info{}, errx.Closed("conversation service")
	}
	st := s.registry.Register(session.NewProvisionalKey(), -1, session.Metadata{UserID: userID})
	return st.Info(), nil
}

func (s *Service) ListSessions() []session.Info {
	return s.registry.List()
}

func (s *Service) GetSession(sessionID string) (session.Info, error) {
	st, ok := s.registry.Resolve(sessionID)
	if !ok {
		return session.Info{}, errx.NotFound(sessionID)
	}
	return st.Info(), nil
}

// ResumeSession makes a real engine session addressable again. Provisional
// keys cannot be resumed once forgotten.
func (s *Service) ResumeSession(ctx context.Context, sessionID, userID string) (session.Info, error) {
	if st, ok := s.registry.Resolve(sessionID); ok {
		st.Touch()
		return st.Info(), nil
	}
	if session.IsProvisional(sessionID) {
		return session.Info{}, errx.NotFound(sessionID)
	}
	return s.resume(sessionID, userID).Info(), nil
}

// CloseSession forgets the session and unbinds its connection. A turn in
// flight is interrupted and still drains to completion.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	st, ok := s.registry.Resolve(sessionID)
	if !ok {
		return errx.NotFound(sessionID)
	}
	if st.Status() != session.StatusIdle {
		s.pool.Interrupt(ctx, st.Key())
	}
	s.registry.Remove(sessionID)
	s.pool.Release(st.Key())
	logx.Debug().Str("session_id", st.ID()).Msg("session closed")
	return nil
}

// DeleteSession closes the session, if live, and deletes its history.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	ids := []string{sessionID}
	if st, ok := s.registry.Resolve(sessionID); ok {
		ids = []string{st.Key()}
		if realID := st.RealID(); realID != "" && realID != st.Key() {
			ids = append(ids, realID)
		}
		if err := s.CloseSession(ctx, sessionID); err != nil && !errors.Is(err, errx.ErrNotFound) {
			return err
		}
	}
	for _, id := range ids {
		if err := s.history.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// History returns the recorded log of a session, live or not.
func (s *Service) History(ctx context.Context, sessionID string) (*model.ConversationHistory, error) {
	id := sessionID
	if st, ok := s.registry.Resolve(sessionID); ok {
		id = st.ID()
	}
	return s.history.Load(ctx, id)
}

// Close refuses new turns, waits for in-flight turns until ctx is done and
// disconnects the pool.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logx.Warn().Msg("closing with turns still in flight")
	}
	return s.pool.Close(ctx)
}
