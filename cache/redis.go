package cache

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/agentuity/go-kvstore/envelope"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Each key is a hash with the type tag in "t" and the field-encoded value in
// "v", so integers can be incremented natively with HINCRBY.
const (
	fieldTag   = "t"
	fieldValue = "v"
)

var saveIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 't', ARGV[1], 'v', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

var incrementScript = redis.NewScript(`
local t = redis.call('HGET', KEYS[1], 't')
if t and t ~= 'integer' then
	return redis.error_reply('NOTNUMERIC')
end
if not t then
	redis.call('HSET', KEYS[1], 't', 'integer')
end
return redis.call('HINCRBY', KEYS[1], 'v', ARGV[1])
`)

type redisCache struct {
	base
	client *redis.Client
	ctx    context.Context
	owned  bool
}

var (
	_ Store      = (*redisCache)(nil)
	_ Enumerator = (*redisCache)(nil)
)

// NewRedis returns a new Store backed by Redis.
// The caller owns the redis.Client lifecycle; Close is a no-op on the client.
// Expiry is native Redis TTL, so no sweep runs.
func NewRedis(ctx context.Context, client *redis.Client, opts ...Option) Store {
	return &redisCache{base: newBase(opts), client: client, ctx: ctx}
}

func (c *redisCache) Get(ctx context.Context, key string) (bool, any, error) {
	k, err := c.key(key)
	if err != nil {
		return false, nil, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	vals, err := c.client.HMGet(qctx, k, fieldTag, fieldValue).Result()
	if err != nil {
		return false, nil, err
	}
	v, ok := c.decode(k, vals)
	return ok, v, nil
}

func (c *redisCache) decode(k string, vals []any) (any, bool) {
	if len(vals) != 2 || vals[0] == nil {
		return nil, false
	}
	tag, _ := vals[0].(string)
	raw, _ := vals[1].(string)
	v, err := envelope.DecodeField(envelope.ParseTag(tag), raw)
	if err != nil {
		c.cfg.log.Warn("malformed entry %s: %s", k, err)
		return nil, false
	}
	return v, true
}

func encodeFields(val any) (string, string, error) {
	v, tag, err := normalize(val)
	if err != nil {
		return "", "", err
	}
	raw, err := envelope.EncodeField(tag, v)
	if err != nil {
		return "", "", err
	}
	return tag.String(), raw, nil
}

func (c *redisCache) Save(ctx context.Context, key string, val any, ttl time.Duration) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}
	tag, raw, err := encodeFields(val)
	if err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err = c.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(qctx, k, fieldTag, tag, fieldValue, raw)
		if ttl > 0 {
			pipe.PExpire(qctx, k, ttl)
		} else {
			pipe.Persist(qctx, k)
		}
		return nil
	})
	return err
}

func (c *redisCache) SaveIfAbsent(ctx context.Context, key string, val any, ttl time.Duration) (bool, error) {
	k, err := c.key(key)
	if err != nil {
		return false, err
	}
	tag, raw, err := encodeFields(val)
	if err != nil {
		return false, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var ms int64
	if ttl > 0 {
		ms = ttl.Milliseconds()
		if ms == 0 {
			ms = 1
		}
	}
	n, err := saveIfAbsentScript.Run(qctx, c.client, []string{k}, tag, raw, ms).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (DeleteStatus, error) {
	k, err := c.key(key)
	if err != nil {
		return StatusError, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Del(qctx, k).Result()
	if err != nil {
		return StatusError, err
	}
	if n == 0 {
		return StatusNotFound, nil
	}
	return StatusDeleted, nil
}

func (c *redisCache) Increment(ctx context.Context, key string, offset int64) (int64, error) {
	k, err := c.key(key)
	if err != nil {
		return 0, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := incrementScript.Run(qctx, c.client, []string{k}, offset).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "NOTNUMERIC") {
			return 0, errors.Wrapf(ErrNotNumeric, "key %s", key)
		}
		return 0, err
	}
	return n, nil
}

func (c *redisCache) Decrement(ctx context.Context, key string, offset int64) (int64, error) {
	return c.Increment(ctx, key, -offset)
}

// scan walks every physical key in the namespace.
func (c *redisCache) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	match := escapeGlob(c.codec.Prefix()) + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Clean deletes the keys under the prefix with SCAN and DEL. With an empty
// prefix that is every key in the selected database.
func (c *redisCache) Clean(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.scan(qctx, func(keys []string) error {
		return c.client.Del(qctx, keys...).Err()
	})
}

func (c *redisCache) GetMetaData(ctx context.Context, key string) (bool, MetaData, error) {
	k, err := c.key(key)
	if err != nil {
		return false, MetaData{}, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var vals *redis.SliceCmd
	var pttl *redis.DurationCmd
	if _, err := c.client.Pipelined(qctx, func(pipe redis.Pipeliner) error {
		vals = pipe.HMGet(qctx, k, fieldTag, fieldValue)
		pttl = pipe.PTTL(qctx, k)
		return nil
	}); err != nil {
		return false, MetaData{}, err
	}
	v, ok := c.decode(k, vals.Val())
	if !ok {
		return false, MetaData{}, nil
	}
	now := c.now()
	md := MetaData{MTime: now, Data: v}
	if d := pttl.Val(); d > 0 {
		md.Expire = now.Add(d)
	}
	return true, md, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var out []string
	err := c.scan(qctx, func(keys []string) error {
		for _, k := range keys {
			if logical, ok := c.codec.Decode(k); ok && logical != "" {
				out = append(out, logical)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (c *redisCache) Info(ctx context.Context) (Info, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var count int64
	if err := c.scan(qctx, func(keys []string) error {
		count += int64(len(keys))
		return nil
	}); err != nil {
		return Info{}, err
	}
	size, err := c.client.DBSize(qctx).Result()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Handler: "redis",
		Entries: count,
		Details: map[string]any{"addr": c.client.Options().Addr, "db": c.client.Options().DB, "dbsize": size},
	}, nil
}

// IsSupported pings the server.
func (c *redisCache) IsSupported() bool {
	qctx, cancel := c.queryCtx(c.ctx)
	defer cancel()
	return c.client.Ping(qctx).Err() == nil
}

// Close closes the client only when the store created it.
func (c *redisCache) Close() error {
	if c.owned {
		return c.client.Close()
	}
	return nil
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
