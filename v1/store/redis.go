package store

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	collaberrors "github.com/salesos/collab/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	scanCount             = 100
	mgetChunk             = 256
)

var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    if tonumber(ARGV[3]) > 0 then
        redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    else
        redis.call("SET", KEYS[1], ARGV[2])
    end
    return 1
else
    return 0
end
`)

var cadScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend. Expiry is enforced by the
// Redis server, so every API instance sharing the server sees the same state.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedis returns a new RedisStore using the provided Redis client.
func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// mapErr translates go-redis failures into the collab error taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return collaberrors.ErrTimeout
	case stdErrors.Is(err, context.Canceled):
		return err
	case stdErrors.Is(err, redis.ErrClosed):
		return collaberrors.ErrConnectionClosed
	default:
		return collaberrors.Unavailable(err)
	}
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	return data, true, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.Set(cctx, key, value, ttl).Err())
}

// SetNX implements Store.SetNX.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

// CompareAndSwap implements Store.CompareAndSwap with a Lua script so the
// comparison and the write happen atomically on the server.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := casScript.Run(cctx, s.client, []string{key}, old, new, ttl.Milliseconds()).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := cadScript.Run(cctx, s.client, []string{key}, old).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.Del(cctx, key).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

// Scan implements Store.Scan using SCAN to list keys and MGET to fetch their
// values. Keys that disappear between the two steps are skipped.
func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	pattern := escapeGlob(prefix) + "*"
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(cctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	keys = dedupe(keys)

	out := make([]Entry, 0, len(keys))
	for start := 0; start < len(keys); start += mgetChunk {
		end := start + mgetChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		vals, err := s.client.MGet(cctx, chunk...).Result()
		if err != nil {
			return nil, mapErr(err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			out = append(out, Entry{Key: chunk[i], Value: []byte(str)})
		}
	}
	return out, nil
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.Ping(cctx).Err())
}

// SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
