package redis

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

var NilError = goredis.Nil

type Options = goredis.UniversalOptions

type StreamMessage struct {
	ID     string
	Values map[string]interface{}
}

// RedisAdapter is the narrow Redis surface the payment core uses: leases
// and caches (key/value), the active USSD session set, and the event stream.
// Every key is namespaced by the adapter's prefix.
type RedisAdapter interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	DelIfEqual(ctx context.Context, key string, value []byte) (bool, error)
	ExpireIfEqual(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exist(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, value ...interface{}) error
	SRem(ctx context.Context, key string, value ...interface{}) error
	SMembers(ctx context.Context, key string) ([]string, error)

	XAdd(ctx context.Context, key string, values map[string]interface{}) (string, error)
	XReadGroup(ctx context.Context, group, consumer, key, id string, count int64) ([]StreamMessage, error)
	XAck(ctx context.Context, key, group string, ids ...string) error
	XGroupCreateMkStream(ctx context.Context, key, group, start string) error
	XLen(ctx context.Context, key string) (int64, error)
	XTrimApprox(ctx context.Context, key string, maxLen int64) error
	XPending(ctx context.Context, key, group string) (*goredis.XPending, error)
	XPendingExt(ctx context.Context, key, group string, start, end string, count int64) ([]goredis.XPendingExt, error)
	XClaim(ctx context.Context, key, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error)

	Ping(ctx context.Context) error
}

type redisAdapter struct {
	prefix string
	conn   goredis.UniversalClient
}

var (
	registryMu sync.Mutex
	registry   = map[string]RedisAdapter{}
)

// compare-and-delete so a lease is only released by its owner
var delIfEqual = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var expireIfEqual = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// NewRedisAdapter returns the adapter registered under connName, connecting
// on first use. Processes share one client per name.
func NewRedisAdapter(connName string, keysPrefix string, opts *goredis.UniversalOptions) (RedisAdapter, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if a, ok := registry[connName]; ok {
		return a, nil
	}

	c := goredis.NewUniversalClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "redis %s: ping", connName)
	}

	a := &redisAdapter{prefix: keysPrefix, conn: c}
	registry[connName] = a
	return a, nil
}

func (r *redisAdapter) k(key string) string {
	return r.prefix + key
}

func (r *redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.conn.Set(ctx, r.k(key), value, ttl).Err()
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.conn.SetNX(ctx, r.k(key), value, ttl).Result()
}

// Get returns NilError when the key does not exist.
func (r *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	return r.conn.Get(ctx, r.k(key)).Bytes()
}

func (r *redisAdapter) Del(ctx context.Context, key string) error {
	return r.conn.Del(ctx, r.k(key)).Err()
}

func (r *redisAdapter) DelIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := delIfEqual.Run(ctx, r.conn, []string{r.k(key)}, string(value)).Int64()
	return n > 0, err
}

// ExpireIfEqual resets the ttl of key only while it still holds value.
func (r *redisAdapter) ExpireIfEqual(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	n, err := expireIfEqual.Run(ctx, r.conn, []string{r.k(key)}, string(value), ttl.Milliseconds()).Int64()
	return n > 0, err
}

func (r *redisAdapter) Exist(ctx context.Context, key string) (int64, error) {
	return r.conn.Exists(ctx, r.k(key)).Result()
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.conn.Expire(ctx, r.k(key), ttl).Err()
}

func (r *redisAdapter) SAdd(ctx context.Context, key string, value ...interface{}) error {
	return r.conn.SAdd(ctx, r.k(key), value...).Err()
}

func (r *redisAdapter) SRem(ctx context.Context, key string, value ...interface{}) error {
	return r.conn.SRem(ctx, r.k(key), value...).Err()
}

func (r *redisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.conn.SMembers(ctx, r.k(key)).Result()
}

func (r *redisAdapter) XAdd(ctx context.Context, key string, values map[string]interface{}) (string, error) {
	return r.conn.XAdd(ctx, &goredis.XAddArgs{Stream: r.k(key), ID: "*", Values: values}).Result()
}

// XReadGroup never blocks; an empty stream yields NilError.
func (r *redisAdapter) XReadGroup(ctx context.Context, group, consumer, key, id string, count int64) ([]StreamMessage, error) {
	streams, err := r.conn.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.k(key), id},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []StreamMessage
	for _, s := range streams {
		out = append(out, toStreamMessages(s.Messages)...)
	}
	return out, nil
}

func (r *redisAdapter) XAck(ctx context.Context, key, group string, ids ...string) error {
	return r.conn.XAck(ctx, r.k(key), group, ids...).Err()
}

func (r *redisAdapter) XGroupCreateMkStream(ctx context.Context, key, group, start string) error {
	return r.conn.XGroupCreateMkStream(ctx, r.k(key), group, start).Err()
}

func (r *redisAdapter) XLen(ctx context.Context, key string) (int64, error) {
	return r.conn.XLen(ctx, r.k(key)).Result()
}

func (r *redisAdapter) XTrimApprox(ctx context.Context, key string, maxLen int64) error {
	return r.conn.XTrimMaxLenApprox(ctx, r.k(key), maxLen, 0).Err()
}

func (r *redisAdapter) XPending(ctx context.Context, key, group string) (*goredis.XPending, error) {
	return r.conn.XPending(ctx, r.k(key), group).Result()
}

func (r *redisAdapter) XPendingExt(ctx context.Context, key, group string, start, end string, count int64) ([]goredis.XPendingExt, error) {
	return r.conn.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: r.k(key),
		Group:  group,
		Start:  start,
		End:    end,
		Count:  count,
	}).Result()
}

func (r *redisAdapter) XClaim(ctx context.Context, key, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	msgs, err := r.conn.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   r.k(key),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return toStreamMessages(msgs), nil
}

func (r *redisAdapter) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx).Err()
}

func toStreamMessages(msgs []goredis.XMessage) []StreamMessage {
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, StreamMessage{ID: m.ID, Values: m.Values})
	}
	return out
}
