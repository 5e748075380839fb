package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	ragerr "github.com/ragweave/ragweave/internal/errors"
)

const redisKeyPrefix = "ragweave:checkpoint:"

// RedisStore persists checkpoints in Redis, one key per thread.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store; connectivity is verified lazily on first
// use.
func NewRedisStore(addr, password string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

func redisKey(threadID string) string { return redisKeyPrefix + threadID }

func (s *RedisStore) Get(ctx context.Context, threadID string) (*State, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, redisKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ragerr.Newf(ragerr.ErrCodeThreadUnknown, "no checkpoint for thread %s", threadID)
	}
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint read failed", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, ragerr.New(ragerr.ErrCodeStoreCorrupt, "checkpoint is not valid JSON", err)
	}
	return &state, nil
}

func (s *RedisStore) Put(ctx context.Context, state *State) error {
	if err := ValidateThreadID(state.ThreadID); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot encode checkpoint", err)
	}
	if err := s.client.Set(ctx, redisKey(state.ThreadID), data, 0).Err(); err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint write failed", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	n, err := s.client.Del(ctx, redisKey(threadID)).Result()
	if err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint delete failed", err)
	}
	if n == 0 {
		return ragerr.Newf(ragerr.ErrCodeThreadUnknown, "no checkpoint for thread %s", threadID)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint scan failed", err)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
