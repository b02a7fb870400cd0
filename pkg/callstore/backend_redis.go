package callstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBackend shares records across hosts, the equivalent of a cookie set on
// the root domain. Expiry is delegated to redis.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

var _ Backend = &RedisBackend{}

func NewRedisBackend(client redis.UniversalClient, prefix string) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("redis call store: client is nil")
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

// NewRedisBackendFromAddr dials a single redis node.
func NewRedisBackendFromAddr(addr string, prefix string) (*RedisBackend, error) {
	if addr == "" {
		return nil, errors.New("redis call store: empty addr")
	}
	return NewRedisBackend(redis.NewClient(&redis.Options{Addr: addr}), prefix)
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis call store: get")
	}
	return b, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis call store: set")
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "redis call store: delete")
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
