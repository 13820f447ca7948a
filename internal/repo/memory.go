// Package repo holds the history repositories: Redis, SQLite and an
// in-memory one for tests and single-process demos.
package repo

import (
	"context"
	"sync"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
)

type MemoryHistoryRepository struct {
	mu   sync.RWMutex
	logs map[string][]model.HistoryRecord
}

func NewMemoryHistoryRepository() *MemoryHistoryRepository {
	return &MemoryHistoryRepository{logs: map[string][]model.HistoryRecord{}}
}

func (r *MemoryHistoryRepository) Append(ctx context.Context, sessionID string, records ...model.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		rec.SessionID = sessionID
		r.logs[sessionID] = append(r.logs[sessionID], rec)
	}
	return nil
}

func (r *MemoryHistoryRepository) Load(ctx context.Context, sessionID string) (*model.ConversationHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]model.HistoryRecord, len(r.logs[sessionID]))
	copy(records, r.logs[sessionID])
	return &model.ConversationHistory{SessionID: sessionID, Records: records}, nil
}

func (r *MemoryHistoryRepository) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.logs, sessionID)
	return nil
}

func (r *MemoryHistoryRepository) Count(ctx context.Context, sessionID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs[sessionID]), nil
}

// Sessions returns the ids with at least one record.
func (r *MemoryHistoryRepository) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.logs))
	for id := range r.logs {
		ids = append(ids, id)
	}
	return ids
}

var _ model.HistoryRepository = (*MemoryHistoryRepository)(nil)
