package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordFailureScript applies the window/threshold policy to a hash in one
// server-side step. Times are unix milliseconds supplied by the caller.
var recordFailureScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local duration = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local start = tonumber(redis.call('HGET', key, 'start') or '0')
local count = tonumber(redis.call('HGET', key, 'count') or '0')
local locked = tonumber(redis.call('HGET', key, 'locked') or '0')

if start == 0 or now >= start + window then
  start = now
  count = 0
end
count = count + 1
if count >= threshold then
  locked = now + duration
end

redis.call('HSET', key, 'start', start, 'count', count, 'locked', locked)
redis.call('PEXPIRE', key, ttl)
return {count, start, locked}
`)

// RedisStore keeps records in Redis hashes that expire once both the window
// and any lock have passed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lockout:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(identity string) string {
	return s.prefix + identity
}

func (s *RedisStore) Get(ctx context.Context, identity string) (Record, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(identity), "count", "start", "locked").Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis hmget: %w", err)
	}
	if len(vals) != 3 || vals[0] == nil {
		return Record{}, false, nil
	}
	count, err := toInt64(vals[0])
	if err != nil {
		return Record{}, false, err
	}
	start, err := toInt64(vals[1])
	if err != nil {
		return Record{}, false, err
	}
	locked, err := toInt64(vals[2])
	if err != nil {
		return Record{}, false, err
	}
	return Record{
		Identity:    identity,
		Failures:    int(count),
		WindowStart: fromMillis(start),
		LockedUntil: fromMillis(locked),
	}, true, nil
}

func (s *RedisStore) RecordFailure(ctx context.Context, identity string, now time.Time, p Policy) (Record, error) {
	ttl := p.Window
	if p.Duration > ttl {
		ttl = p.Duration
	}
	res, err := recordFailureScript.Run(ctx, s.client, []string{s.key(identity)},
		now.UnixMilli(),
		p.Window.Milliseconds(),
		p.Threshold,
		p.Duration.Milliseconds(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Record{}, fmt.Errorf("redis record failure: %w", err)
	}
	if len(res) != 3 {
		return Record{}, errors.New("redis record failure: unexpected script result")
	}
	return Record{
		Identity:    identity,
		Failures:    int(res[0]),
		WindowStart: fromMillis(res[1]),
		LockedUntil: fromMillis(res[2]),
	}, nil
}

func (s *RedisStore) Reset(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.key(identity)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	case int64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected redis value %T", v)
	}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
