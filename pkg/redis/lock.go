package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wonny/copperwatch/pkg/id"
)

// Locker provides best-effort mutual exclusion across processes
// ⭐ SSOT: 분산 락은 여기서만
type Locker struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewLocker creates a new locker; ttl bounds a crashed holder
func NewLocker(client *Client, prefix string, ttl time.Duration) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Release deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// TryLock acquires key without waiting.
// Returns (unlock, acquired, error); unlock is never nil.
func (l *Locker) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	noop := func(context.Context) error { return nil }

	if !l.client.Enabled() {
		// If Redis is disabled, the store's unique key is the only guard
		return noop, true, nil
	}

	fullKey := fmt.Sprintf("%s:lock:%s", l.prefix, key)
	token := id.New()

	ok, err := l.client.Redis().SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return noop, false, fmt.Errorf("lock acquire failed: %w", err)
	}
	if !ok {
		return noop, false, nil
	}

	unlock := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client.Redis(), []string{fullKey}, token).Err(); err != nil {
			return fmt.Errorf("lock release failed: %w", err)
		}
		return nil
	}

	return unlock, true, nil
}
