package lease

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Manager shared by every replica of the service.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ Manager = (*Redis)(nil)

// NewRedis creates a Redis manager. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Acquire implements Manager.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquire lease %q", key)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{r: r, key: key, token: token}, nil
}

type redisLease struct {
	r     *Redis
	key   string
	token string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.r.client, []string{l.r.prefix + l.key}, l.token).Err(); err != nil {
		return errors.Wrapf(err, "release lease %q", l.key)
	}
	return nil
}
