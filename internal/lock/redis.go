package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "parkpoints:lock:"
	defaultLeaseTTL    = 10 * time.Second
	defaultPollEvery   = 20 * time.Millisecond

	// releaseScript deletes the key only while it still carries our token.
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`
)

// ErrLockBusy reports that a key stayed held until the wait budget ran out.
var ErrLockBusy = errors.New("lock busy")

// RedisClient is the subset of redis.UniversalClient the locker uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithLeaseTTL bounds how long a crashed holder can keep a key.
func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(locker *Redis) {
		if ttl > 0 {
			locker.leaseTTL = ttl
		}
	}
}

// WithPollInterval sets how often a busy key is retried.
func WithPollInterval(interval time.Duration) RedisOption {
	return func(locker *Redis) {
		if interval > 0 {
			locker.pollEvery = interval
		}
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(locker *Redis) {
		locker.prefix = prefix
	}
}

// Redis serializes callers across processes with SET NX leases.
type Redis struct {
	client    RedisClient
	prefix    string
	leaseTTL  time.Duration
	pollEvery time.Duration
	newToken  func() string
}

// NewRedis returns a locker backed by client.
func NewRedis(client RedisClient, options ...RedisOption) *Redis {
	locker := &Redis{
		client:    client,
		prefix:    defaultRedisPrefix,
		leaseTTL:  defaultLeaseTTL,
		pollEvery: defaultPollEvery,
		newToken:  uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	return locker
}

// Lock acquires every key in sorted order, polling busy keys until ctx is done.
func (locker *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	token := locker.newToken()
	ordered := normalizeKeys(keys)
	acquired := make([]string, 0, len(ordered))
	for _, key := range ordered {
		if err := locker.acquire(ctx, locker.prefix+key, token); err != nil {
			locker.release(acquired, token)
			return nil, err
		}
		acquired = append(acquired, locker.prefix+key)
	}
	return func() { locker.release(acquired, token) }, nil
}

func (locker *Redis) acquire(ctx context.Context, key string, token string) error {
	var busy error
	policy := backoff.WithContext(backoff.NewConstantBackOff(locker.pollEvery), ctx)
	err := backoff.Retry(func() error {
		ok, err := locker.client.SetNX(ctx, key, token, locker.leaseTTL).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("lock %s: %w", key, err))
		}
		if !ok {
			busy = fmt.Errorf("%w: %s", ErrLockBusy, key)
			return busy
		}
		return nil
	}, policy)
	if err != nil && busy != nil && ctx.Err() != nil && !errors.Is(err, ErrLockBusy) {
		return fmt.Errorf("%w: %w", busy, err)
	}
	return err
}

// release uses a fresh context so a canceled request still frees its keys.
func (locker *Redis) release(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), locker.leaseTTL)
	defer cancel()
	for index := len(keys) - 1; index >= 0; index-- {
		_ = locker.client.Eval(ctx, releaseScript, []string{keys[index]}, token).Err()
	}
}
