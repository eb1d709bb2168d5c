package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/aretw0/fragmenta/pkg/core"
)

var errLockHeld = errors.New("stream lock held by another owner")

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock implements core.Locker with SET NX PX and a random owner token.
// While another owner holds the stream it backs off on a capped Fibonacci
// schedule, for at most LockRetries attempts.
func (s *Store) Lock(ctx context.Context, streamID string) (func(), error) {
	key := s.keys.lock(streamID)
	token := uuid.NewString()

	b := retry.NewFibonacci(s.opts.LockBackoff)
	b = retry.WithCappedDuration(s.opts.LockMaxWait, b)
	b = retry.WithMaxRetries(s.opts.LockRetries, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := s.client.SetNX(ctx, key, token, s.opts.LockTTL).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on stream %q: %w", streamID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, s.client, []string{key}, token).Err(); err != nil && s.opts.Logger != nil {
				s.opts.Logger.Warn("failed to release stream lock", "stream", streamID, "error", err)
			}
		})
	}, nil
}

var _ core.Locker = (*Store)(nil)
