package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLease      = errors.New("invalid_lease")
)

// Compare-and-delete so a holder whose lease expired cannot drop a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out single-holder leases stored as redis keys with a TTL.
type Locker struct {
	client *redis.Client
}

// Lease is a held lock. The zero value and nil are safe to release.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

// Acquire takes the lease on key for ttl. It returns a nil lease without error
// when another holder has it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if !l.Enabled() {
		return nil, ErrLockNotConfigured
	}
	if key == "" || ttl <= 0 {
		return nil, ErrInvalidLease
	}

	token := ulid.Make().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release drops the lease if it is still held by this token.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || !le.locker.Enabled() {
		return nil
	}
	return releaseScript.Run(ctx, le.locker.client, []string{le.key}, le.token).Err()
}
