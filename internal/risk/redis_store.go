package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces score keys.
const DefaultRedisPrefix = "chatshield:risk:"

// maxOptimisticAttempts bounds WATCH retries inside one Update call. The
// accumulator's own retry wraps ErrConflict on top of this.
const maxOptimisticAttempts = 16

// RedisScoreStore keeps scores as JSON strings and updates them with
// optimistic WATCH/MULTI transactions.
type RedisScoreStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisScoreStore creates a Redis-backed score store.
func NewRedisScoreStore(client redis.UniversalClient, prefix string) *RedisScoreStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisScoreStore{client: client, prefix: prefix}
}

func (s *RedisScoreStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisScoreStore) Get(ctx context.Context, userID string) (*UserRiskScore, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk score: %w", err)
	}
	var rec UserRiskScore
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode risk score: %w", err)
	}
	return &rec, nil
}

func (s *RedisScoreStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*UserRiskScore, error) {
	key := s.key(userID)

	var next *UserRiskScore
	txf := func(tx *redis.Tx) error {
		var cur *UserRiskScore
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			cur = &UserRiskScore{}
			if err := json.Unmarshal(data, cur); err != nil {
				return fmt.Errorf("failed to decode risk score: %w", err)
			}
		}

		next, err = fn(cur)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxOptimisticAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("failed to update risk score: %w", err)
	}
	return nil, ErrConflict
}
