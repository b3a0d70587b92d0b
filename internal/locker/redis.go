package locker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only when it still holds our token, so an
// expired lock taken over by another node is never released by the old
// holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a distributed Locker keyed by instance id, for multi-node
// deployments. Locks auto-expire after ttl if the holder dies.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "recordflow:lock:"}
}

// Acquire takes the key with SET NX PX, polling until it frees or ctx
// expires.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	full := r.prefix + key

	for {
		ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// Best effort: an expired key releases itself.
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, r.client, []string{full}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrBusy
		case <-time.After(retryInterval):
		}
	}
}
