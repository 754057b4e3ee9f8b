package store

import (
	"context"

	"github.com/go-faster/errors"
	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/redis/go-redis/v9"
)

var _ payroll.Store = Redis{}

// Redis keeps values under prefix+key, so several profiles can share one
// server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(ctx context.Context, addr string, db int, prefix string) (Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return Redis{}, errors.Wrapf(err, "connect to redis %s", addr)
	}
	return Redis{client: client, prefix: prefix}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string) Redis {
	return Redis{client: client, prefix: prefix}
}

func (r Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, payroll.NewErr(payroll.NotFound, "key not found: %s", key)
	}
	if err != nil {
		return nil, payroll.NewErr(payroll.NotAvailable, "redis get %s: %v", key, err)
	}
	return v, nil
}

func (r Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return payroll.NewErr(payroll.NotAvailable, "redis set %s: %v", key, err)
	}
	return nil
}

func (r Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return payroll.NewErr(payroll.NotAvailable, "redis del %s: %v", key, err)
	}
	return nil
}

func (r Redis) Close() error {
	return r.client.Close()
}
