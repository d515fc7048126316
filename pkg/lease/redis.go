package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Owner-checked renew and release; a lease only touches the key while it still
// holds the token it wrote.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisManager stores leases as Redis keys set with NX and a TTL.
type RedisManager struct {
	client *redis.Client
	prefix string
}

// NewRedisManager creates a manager. prefix namespaces keys (e.g. "ekaya-ingest:lease:").
func NewRedisManager(client *redis.Client, prefix string) *RedisManager {
	if prefix == "" {
		prefix = "ekaya-ingest:lease:"
	}
	return &RedisManager{client: client, prefix: prefix}
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	redisKey := m.prefix + key

	ok, err := m.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &redisLease{
		client:   m.client,
		key:      key,
		redisKey: redisKey,
		token:    token,
		ttl:      ttl,
	}, nil
}

type redisLease struct {
	client   *redis.Client
	key      string
	redisKey string
	token    string
	ttl      time.Duration
}

func (l *redisLease) Key() string {
	return l.key
}

func (l *redisLease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.redisKey}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.redisKey}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

var _ Manager = (*RedisManager)(nil)
