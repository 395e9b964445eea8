package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HaddajiForks/Savage-Files/internal/lock"
)

const (
	// lockKeyPrefix namespaces owner locks in Redis
	lockKeyPrefix = "savage-files:lock:"
	// lockPollInterval is how often a waiting Lock retries SET NX
	lockPollInterval = 50 * time.Millisecond
	// releaseTimeout bounds the release call, which runs after the
	// request context may already be gone
	releaseTimeout = 2 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisClient wraps the Redis connection
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// RedisLocker is a lock.Locker shared by every replica of the service. A held
// lock is refreshed every ttl/3 so long uploads keep it; a crashed holder
// loses it after ttl.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	log    logrus.FieldLogger
}

var _ lock.Locker = (*RedisLocker)(nil)

// NewRedisLocker builds a locker on top of rc.
func NewRedisLocker(rc *RedisClient, ttl, wait time.Duration, log logrus.FieldLogger) *RedisLocker {
	return &RedisLocker{
		client: rc.client,
		ttl:    ttl,
		wait:   wait,
		log:    log.WithField("component", "redis_locker"),
	}
}

// Lock blocks until key is acquired, the wait limit passes or ctx ends.
func (rl *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	ctx, span := tracer.Start(ctx, "redis.lock",
		trace.WithAttributes(attribute.String("lock_key", key)),
	)
	defer span.End()

	redisKey := lockKeyPrefix + key
	token := uuid.NewString()

	waitCtx, cancel := lock.WaitContext(ctx, rl.wait)
	defer cancel()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		ok, err := rl.client.SetNX(waitCtx, redisKey, token, rl.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			span.SetAttributes(attribute.Int("attempts", attempts))
			return rl.hold(redisKey, token), nil
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			span.SetAttributes(attribute.Bool("timed_out", true))
			return nil, lock.Busy(ctx, key)
		}
	}
}

// hold starts the refresh loop and returns the release function.
func (rl *RedisLocker) hold(redisKey, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(rl.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
				res, err := refreshScript.Run(ctx, rl.client, []string{redisKey}, token, rl.ttl.Milliseconds()).Int()
				cancel()
				if err != nil {
					rl.log.WithError(err).WithField("lock_key", redisKey).Warn("failed to refresh lock")
				} else if res == 0 {
					rl.log.WithField("lock_key", redisKey).Error("lock lost before release")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, rl.client, []string{redisKey}, token).Err(); err != nil {
				rl.log.WithError(err).WithField("lock_key", redisKey).Warn("failed to release lock")
			}
		})
	}
}
