package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "extraction:active:"

// acquireScript increments the owner's counter only while it is below the cap.
// The expiry is refreshed on each admission so a crashed fleet cannot pin a
// slot forever.
var acquireScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
	return 0
end
n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
end
return 1
`)

// Redis is a limiter shared by every dispatcher instance using the same Redis.
type Redis struct {
	client redis.UniversalClient
	max    int
	ttl    time.Duration
}

// NewRedis creates a shared limiter. ttl bounds how long an abandoned counter
// survives after the last admission; pass a multiple of the max run duration.
func NewRedis(client redis.UniversalClient, max int, ttl time.Duration) *Redis {
	return &Redis{client: client, max: max, ttl: ttl}
}

func (r *Redis) TryAcquire(ctx context.Context, ownerID string) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{keyPrefix + ownerID}, r.max, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot for %s: %w", ownerID, err)
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, ownerID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + ownerID}).Err(); err != nil {
		return fmt.Errorf("release slot for %s: %w", ownerID, err)
	}
	return nil
}

func (r *Redis) Active(ctx context.Context, ownerID string) (int, error) {
	n, err := r.client.Get(ctx, keyPrefix+ownerID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read slot count for %s: %w", ownerID, err)
	}
	return n, nil
}
