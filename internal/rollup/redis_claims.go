package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisClaimPrefix namespaces claim keys.
const DefaultRedisClaimPrefix = "chatshield:rollup:claim:"

// releaseScript deletes the claim only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimStore implements ClaimStore with SET NX PX, so claims work
// across server replicas.
type RedisClaimStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisClaimStore creates a Redis-backed claim store.
func NewRedisClaimStore(client redis.UniversalClient, prefix string) *RedisClaimStore {
	if prefix == "" {
		prefix = DefaultRedisClaimPrefix
	}
	return &RedisClaimStore{client: client, prefix: prefix}
}

func (s *RedisClaimStore) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisClaimStore) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}
