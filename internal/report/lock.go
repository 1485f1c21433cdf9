package report

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes report generation for one article across processes.
type Locker interface {
	// Acquire tries once to take the lock. It returns a release func and
	// true on success; false means another holder owns it.
	Acquire(ctx context.Context, articleID int64) (release func(), ok bool, err error)
	// Held reports whether any holder currently owns the article's lock.
	Held(ctx context.Context, articleID int64) (bool, error)
}

// nopLocker always grants the lock.
type nopLocker struct{}

func (nopLocker) Acquire(context.Context, int64) (func(), bool, error) {
	return func() {}, true, nil
}

func (nopLocker) Held(context.Context, int64) (bool, error) { return false, nil }

// releaseScript deletes the key only if it still carries our token, so an
// expired holder cannot free a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a per-holder token.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker from a redis:// URL and checks the
// connection.
func NewRedisLocker(redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLockerWithClient(client, ttl), nil
}

// NewRedisLockerWithClient creates a locker from an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, prefix: "regbrief:report-lock:", ttl: ttl}
}

func (l *RedisLocker) key(articleID int64) string {
	return l.prefix + strconv.FormatInt(articleID, 10)
}

func (l *RedisLocker) Acquire(ctx context.Context, articleID int64) (func(), bool, error) {
	token := uuid.NewString()
	key := l.key(articleID)

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire report lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

func (l *RedisLocker) Held(ctx context.Context, articleID int64) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(articleID)).Result()
	if err != nil {
		return false, fmt.Errorf("check report lock: %w", err)
	}
	return n > 0, nil
}

// TTL is how long an abandoned lock survives.
func (l *RedisLocker) TTL() time.Duration { return l.ttl }

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
