package sweeplock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lease is a Redis-backed mutual exclusion lease so that only one process
// sweeps overdue loans per tick. It expires on its own if the holder dies.
// Holders doing long work call Extend before the ttl runs out; a lease that
// lapses anyway lets a second sweep start, which the loans' version guard
// keeps from writing stale fines.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// Handle is a held lease. Release it when the protected work is done.
type Handle struct {
	lease *Lease
	token string
}

// New creates a lease on key with the given time-to-live.
func New(addr, password, key string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errors.New("sweep lease requires a positive ttl")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("sweep lease redis addr is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "library:overdue-sweep"
	}
	return &Lease{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		key: key,
		ttl: ttl,
	}, nil
}

// TryAcquire takes the lease if nobody holds it. A nil handle with a nil
// error means another holder has it. Redis failures are returned, and callers
// treat them as not acquired.
func (l *Lease) TryAcquire(ctx context.Context) (*Handle, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Handle{lease: l, token: token}, nil
}

// TTL is how long an acquired or extended lease lives.
func (l *Lease) TTL() time.Duration {
	return l.ttl
}

// Extend resets the lease's expiry to a full ttl. It reports false when the
// lease expired or was taken by someone else.
func (h *Handle) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, h.lease.client, []string{h.lease.key}, h.token, h.lease.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release gives the lease back if it is still ours.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	return releaseScript.Run(ctx, h.lease.client, []string{h.lease.key}, h.token).Err()
}

// Close releases the Redis connection pool.
func (l *Lease) Close() error {
	return l.client.Close()
}
