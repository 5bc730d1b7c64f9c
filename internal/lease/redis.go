// Package lease serialises stage runs across replicas with a Redis key per
// stage.  A lease is a SET NX with a TTL holding a random token; release
// deletes the key only while it still holds that token, so an expired lease
// taken over by another replica is never removed by the previous holder.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces lease keys in the shared Redis database.
const KeyPrefix = "settlement:lease:"

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// Redis is a stage lease backed by a Redis client.  A nil client makes
// every acquisition succeed without touching the network.
type Redis struct {
	rdb      client
	newToken func() string
}

// NewRedis returns a lease on rdb.  rdb may be nil.
func NewRedis(rdb *redis.Client) *Redis {
	l := &Redis{newToken: uuid.NewString}
	if rdb != nil {
		l.rdb = rdb
	}
	return l
}

// Key returns the Redis key guarding the named stage.
func Key(name string) string {
	return KeyPrefix + name
}

// Acquire takes the lease for name for at most ttl.  ok is false when
// another holder owns the lease.
func (l *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.rdb == nil {
		return func() {}, true, nil
	}
	token := l.newToken()
	key := Key(name)
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The run context may already be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}
