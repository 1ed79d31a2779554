package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/integration-isolation-service/internal/errs"
)

var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// LeaseRegistry is the cross-instance worker registry. A worker key can only
// be spawned by the supervisor holding its lease.
type LeaseRegistry struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

func NewLeaseRegistry(rdb redis.UniversalClient, keyPrefix string) *LeaseRegistry {
	if keyPrefix == "" {
		keyPrefix = "integration:worker:"
	}
	return &LeaseRegistry{rdb: rdb, keyPrefix: keyPrefix}
}

// Acquire takes the lease for name with SET NX
func (l *LeaseRegistry) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, l.keyPrefix+name, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.ErrLeaseHeld
	}
	log.Debug().Str("process_name", name).Msg("Acquired worker lease")
	return token, nil
}

// Renew extends the lease if token still owns it
func (l *LeaseRegistry) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.keyPrefix + name}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrLeaseHeld
	}
	return nil
}

// Release drops the lease if token still owns it
func (l *LeaseRegistry) Release(ctx context.Context, name, token string) error {
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.keyPrefix + name}, token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	log.Debug().Str("process_name", name).Msg("Released worker lease")
	return nil
}

// Holder returns the token currently holding name, or "" when free
func (l *LeaseRegistry) Holder(ctx context.Context, name string) (string, error) {
	token, err := l.rdb.Get(ctx, l.keyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return token, err
}
