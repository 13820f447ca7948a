// Package history turns the raw message stream of a turn into durable
// history records.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/event"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

// Observer consumes one turn. The orchestrator calls User once, Observe for
// every raw message in arrival order, Bind when the engine session id becomes
// known and Finish exactly once.
type Observer interface {
	User(ctx context.Context, content model.Content) error
	Observe(ctx context.Context, msg engine.Message) error
	Bind(ctx context.Context, sessionID string) error
	Finish(ctx context.Context, turnErr error) error
}

// Recorder is the Observer writing to a model.HistoryRepository. A Recorder
// serves one turn and is not reused.
type Recorder struct {
	repo model.HistoryRepository
	now  func() time.Time

	mu        sync.Mutex
	key       string
	bound     bool
	deferred  []model.HistoryRecord
	text      TextBuffer
	result    *engine.ResultMessage
	model     string
	finished  bool
	toolNames map[string]string
}

type Option func(*Recorder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder returns a recorder for a turn of the session known as key.
// When sessionID is non-empty the session is already bound and writes go
// straight to the repository; otherwise they are held until Bind.
func NewRecorder(repo model.HistoryRepository, key, sessionID string, opts ...Option) *Recorder {
	r := &Recorder{repo: repo, now: time.Now, key: key, toolNames: map[string]string{}}
	if sessionID != "" {
		r.key = sessionID
		r.bound = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID returns the id records are currently written under.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

func (r *Recorder) User(ctx context.Context, content model.Content) error {
	return r.write(ctx, model.HistoryRecord{Role: model.RoleUser, Content: content})
}

func (r *Recorder) Observe(ctx context.Context, msg engine.Message) error {
	switch m := msg.(type) {
	case engine.StreamEvent:
		if m.Type == engine.StreamContentBlockDelta && m.DeltaType == engine.DeltaText {
			r.mu.Lock()
			r.text.Delta(m.Text)
			r.mu.Unlock()
		}
		return nil

	case engine.AssistantMessage:
		var records []model.HistoryRecord
		for _, b := range m.Content {
			if block, ok := b.(engine.ToolUseBlock); ok {
				records = append(records, toolUseRecord(block))
			}
		}
		r.mu.Lock()
		if m.Model != "" {
			r.model = m.Model
		}
		r.text.Assistant(m)
		for _, rec := range records {
			r.toolNames[rec.ToolUseID] = rec.ToolName
		}
		r.mu.Unlock()
		return r.write(ctx, records...)

	case engine.UserMessage:
		var records []model.HistoryRecord
		r.mu.Lock()
		for _, b := range m.Content {
			if block, ok := b.(engine.ToolResultBlock); ok {
				rec := toolResultRecord(block)
				rec.ToolName = r.toolNames[block.ToolUseID]
				records = append(records, rec)
			}
		}
		r.mu.Unlock()
		return r.write(ctx, records...)

	case engine.ResultMessage:
		r.mu.Lock()
		r.result = &m
		r.mu.Unlock()
		return nil

	default:
		// init handshakes, stream control and unknown kinds are not durable
		return nil
	}
}

// Bind switches the recorder to the engine session id and flushes every write
// held back so far. Records that earlier unbound turns left under the
// provisional key are moved in front of them.
func (r *Recorder) Bind(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if r.bound || sessionID == "" {
		r.mu.Unlock()
		return nil
	}
	provisional := r.key
	r.key = sessionID
	r.bound = true
	r.mu.Unlock()

	var errs []error
	if provisional != sessionID {
		if err := r.adopt(ctx, provisional, sessionID); err != nil {
			logx.Error().Err(err).Str("session_key", provisional).Str("session_id", sessionID).Msg("moving provisional history failed")
			errs = append(errs, err)
		}
	}
	if err := r.flushDeferred(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// adopt moves the log stored under from to the end of the log of to.
func (r *Recorder) adopt(ctx context.Context, from, to string) error {
	h, err := r.repo.Load(ctx, from)
	if err != nil {
		return err
	}
	if h == nil || len(h.Records) == 0 {
		return nil
	}
	records := make([]model.HistoryRecord, len(h.Records))
	for i, rec := range h.Records {
		rec.SessionID = to
		records[i] = rec
	}
	if err := r.repo.Append(ctx, to, records...); err != nil {
		return err
	}
	logx.Debug().Str("session_key", from).Str("session_id", to).Int("records", len(records)).Msg("provisional history moved")
	return r.repo.Delete(ctx, from)
}

// Finish writes the assistant record of the turn. turnErr, or an error result
// from the engine, annotates the record; a failed turn without any text is
// recorded as an event. Writes still held back are flushed under the
// provisional key.
func (r *Recorder) Finish(ctx context.Context, turnErr error) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	r.finished = true

	text := r.text.String()

	meta := map[string]any{}
	if r.model != "" {
		meta["model"] = r.model
	}
	if res := r.result; res != nil {
		meta["num_turns"] = res.NumTurns
		meta["total_cost_usd"] = res.TotalCostUSD
		if res.DurationMs > 0 {
			meta["duration_ms"] = res.DurationMs
		}
		if res.Subtype != "" {
			meta["subtype"] = res.Subtype
		}
		if res.IsError && turnErr == nil {
			turnErr = errors.New(event.Normalize(*res)[0].Message)
		}
	}
	r.bound = true
	r.mu.Unlock()

	var rec *model.HistoryRecord
	switch {
	case turnErr != nil && text == "":
		meta["error"] = turnErr.Error()
		rec = &model.HistoryRecord{Role: model.RoleEvent, Content: model.Text(turnErr.Error()), IsError: true, Metadata: meta}
	case turnErr != nil:
		meta["error"] = turnErr.Error()
		meta["partial"] = true
		rec = &model.HistoryRecord{Role: model.RoleAssistant, Content: model.Text(text), IsError: true, Metadata: meta}
	case text != "":
		rec = &model.HistoryRecord{Role: model.RoleAssistant, Content: model.Text(text), Metadata: meta}
	}

	var errs []error
	if err := r.flushDeferred(ctx); err != nil {
		errs = append(errs, err)
	}
	if rec != nil {
		if err := r.write(ctx, *rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Text returns the assistant text accumulated so far.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

func (r *Recorder) write(ctx context.Context, records ...model.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	r.mu.Lock()
	now := r.now().UTC()
	for i := range records {
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = now
		}
	}
	if !r.bound {
		r.deferred = append(r.deferred, records...)
		r.mu.Unlock()
		return nil
	}
	key := r.key
	r.mu.Unlock()

	for i := range records {
		records[i].SessionID = key
	}
	if err := r.repo.Append(ctx, key, records...); err != nil {
		logx.Error().Err(err).Str("session_id", key).Int("records", len(records)).Msg("history append failed")
		return err
	}
	return nil
}

func (r *Recorder) flushDeferred(ctx context.Context) error {
	r.mu.Lock()
	pending := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	return r.write(ctx, pending...)
}

func toolUseRecord(b engine.ToolUseBlock) model.HistoryRecord {
	input := b.Input
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		raw = []byte("{}")
	}
	return model.HistoryRecord{
		Role:      model.RoleToolUse,
		Content:   model.Text(string(raw)),
		ToolName:  b.Name,
		ToolUseID: b.ID,
		Metadata:  map[string]any{"input": input},
	}
}

func toolResultRecord(b engine.ToolResultBlock) model.HistoryRecord {
	return model.HistoryRecord{
		Role:      model.RoleToolResult,
		Content:   toolResultContent(b.Content),
		ToolUseID: b.ToolUseID,
		IsError:   b.IsError,
	}
}

// toolResultContent keeps list results as typed blocks when they decode as
// such, and falls back to their text otherwise.
func toolResultContent(content any) model.Content {
	switch c := content.(type) {
	case string:
		return model.Text(c)
	case nil:
		return model.Text("")
	}
	raw, err := json.Marshal(content)
	if err == nil {
		var blocks []model.Block
		if json.Unmarshal(raw, &blocks) == nil && len(blocks) > 0 && blocks[0].Type != "" {
			return model.Blocks(blocks...)
		}
	}
	return model.Text(event.ToolResultText(content))
}
