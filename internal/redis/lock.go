package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived named locks so only one replica runs a
// periodic job at a time.
type Locker struct {
	client *Client
}

// NewLocker creates a Locker.
func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// Lock is a held lock.
type Lock struct {
	client *Client
	key    string
	token  string
}

// TryLock acquires name for ttl. It returns nil, nil when someone else
// holds it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := "familypush:lock:" + name
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Release frees the lock if it has not expired and been taken over.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}
