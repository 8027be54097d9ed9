package session

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type redisBackend struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*redisBackend)(nil)

// NewRedisBackend stores each session as a plain Redis string under
// prefix+id. Expiry is native, so GC does nothing.
func NewRedisBackend(client *redis.Client, opts ...Option) Backend {
	o := applyOptions(opts)
	return &redisBackend{client: client, prefix: o.prefix}
}

func (r *redisBackend) Get(ctx context.Context, id string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *redisBackend) Put(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+id, data, ttl).Err()
}

func (r *redisBackend) Touch(ctx context.Context, id string, ttl time.Duration) error {
	return r.client.PExpire(ctx, r.prefix+id, ttl).Err()
}

func (r *redisBackend) Remove(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}

func (r *redisBackend) GC(context.Context, time.Duration) (int, error) {
	return 0, nil
}

type redisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker returns a Locker using SET NX PX with a per-acquisition
// owner token. Refresh and release run as scripts that check the token, so
// a holder whose lease lapsed cannot touch the new owner's lock.
func NewRedisLocker(client *redis.Client, opts ...Option) Locker {
	o := applyOptions(opts)
	return newLock(&redisLock{client: client, prefix: o.prefix}, o)
}

func (r *redisLock) key(id string) string {
	return r.prefix + id + ":lock"
}

func (r *redisLock) tryLock(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, token, lease).Result()
}

func (r *redisLock) refresh(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{key}, token, lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisLock) unlock(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, r.client, []string{key}, token).Err()
}
