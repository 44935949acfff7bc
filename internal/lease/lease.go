// Package lease implements the per-session mutual exclusion used by pipeline
// workers: a time-bounded Redis claim that expires on its own if the holder
// crashes, so no session is blocked forever.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another worker currently holds the session lease.
var ErrHeld = errors.New("lease already held")

// release and renew compare the stored token so a worker whose lease expired
// cannot release or extend a lease reacquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker hands out session leases backed by a shared Redis.
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Locker with the given lease TTL.
func New(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{rdb: rdb, ttl: ttl}
}

// Lease is one held claim on a session.
type Lease struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// Acquire claims the session or returns ErrHeld.
func (l *Locker) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	key := "pipeline:lease:" + sessionID
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{rdb: l.rdb, key: key, token: token, ttl: l.ttl}, nil
}

// Renew extends the lease for another TTL. It fails silently into ErrHeld
// when the lease was lost to expiry and reclaimed elsewhere.
func (ls *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, ls.rdb, []string{ls.key}, ls.token, ls.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrHeld
	}
	return nil
}

// Release gives the lease up early. Releasing an expired lease is a no-op.
func (ls *Lease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, ls.rdb, []string{ls.key}, ls.token).Int()
	return err
}
