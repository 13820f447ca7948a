package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errx "github.com/Chative-core-poc-v1/agentrelay/internal/core/error"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "agentrelay"

// RedisHistoryRepository stores each session log as a Redis list of JSON
// encoded records.
type RedisHistoryRepository struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisHistoryRepository(rdb redis.Cmdable, ttl time.Duration, prefix string) *RedisHistoryRepository {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisHistoryRepository{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (r *RedisHistoryRepository) historyKey(sessionID string) string {
	return fmt.Sprintf("%s:history:%s:records", r.prefix, sessionID)
}

func (r *RedisHistoryRepository) Append(ctx context.Context, sessionID string, records ...model.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]any, 0, len(records))
	for i := range records {
		records[i].SessionID = sessionID
		b, err := json.Marshal(records[i])
		if err != nil {
			logx.Error().Err(err).Str("session_id", sessionID).Msg("failed to marshal history record")
			return fmt.Errorf("marshal history record: %w", err)
		}
		values = append(values, b)
	}
	key := r.historyKey(sessionID)

	// append records and extend TTL on touch in one round trip
	var expire *redis.BoolCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, values...)
		if r.ttl > 0 {
			expire = p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to push history records to redis")
		return errx.WrapRedis(err)
	}
	if expire != nil && !expire.Val() {
		logx.Warn().Str("key", key).Dur("ttl", r.ttl).Msg("failed to set TTL on history key")
	}
	return nil
}

func (r *RedisHistoryRepository) Load(ctx context.Context, sessionID string) (*model.ConversationHistory, error) {
	key := r.historyKey(sessionID)

	rows, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &model.ConversationHistory{SessionID: sessionID, Records: []model.HistoryRecord{}}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load history from redis")
		return nil, errx.WrapRedis(err)
	}

	records := make([]model.HistoryRecord, 0, len(rows))
	for i, s := range rows {
		var rec model.HistoryRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			logx.Error().Err(err).Str("session_id", sessionID).Int("index", i).Msg("failed to unmarshal history record")
			return nil, fmt.Errorf("unmarshal history record at index %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return &model.ConversationHistory{SessionID: sessionID, Records: records}, nil
}

func (r *RedisHistoryRepository) Delete(ctx context.Context, sessionID string) error {
	key := r.historyKey(sessionID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete history from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisHistoryRepository) Count(ctx context.Context, sessionID string) (int, error) {
	key := r.historyKey(sessionID)
	n, err := r.rdb.LLen(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to count history records in redis")
		return 0, errx.WrapRedis(err)
	}
	return int(n), nil
}

var _ model.HistoryRepository = (*RedisHistoryRepository)(nil)
