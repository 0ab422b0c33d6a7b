package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHolder is returned when releasing a lease owned by someone else.
var ErrNotHolder = errors.New("lease is not held by this holder")

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Lease is a renewable Redis key naming its holder. A room controller instance
// holds one lease per room it owns.
type Lease struct {
	client redis.UniversalClient
	key    string
	holder string
	ttl    time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	renewed bool
}

// NewLease creates a lease for key on behalf of holder.
func NewLease(client redis.UniversalClient, key, holder string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		holder: holder,
		ttl:    ttl,
	}
}

// Key returns the Redis key of the lease
func (l *Lease) Key() string { return l.key }

// TryAcquire takes the lease if it is free or already ours, and starts renewing it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !acquired {
		current, err := l.Holder(ctx)
		if err != nil {
			return false, err
		}
		if current != l.holder {
			return false, nil
		}
	}

	l.startRenewal()
	return true, nil
}

// Holder returns the current holder, or "" when the lease is free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	return v, nil
}

// Release stops renewal and deletes the key if we still hold it.
func (l *Lease) Release(ctx context.Context) error {
	l.stopRenewal()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHolder
	}
	return nil
}

func (l *Lease) startRenewal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewed {
		return
	}
	l.renewed = true
	l.stop = make(chan struct{})
	go l.renew(l.stop)
}

func (l *Lease) stopRenewal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewed {
		close(l.stop)
		l.renewed = false
	}
}

// renew extends the TTL at half period until stopped or until the lease is lost.
func (l *Lease) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				return
			}
		case <-stop:
			return
		}
	}
}

// LeaseManager hands out leases under a common key prefix.
type LeaseManager struct {
	client redis.UniversalClient
	prefix string
}

// NewLeaseManager creates a new lease manager
func NewLeaseManager(client redis.UniversalClient, prefix string) *LeaseManager {
	return &LeaseManager{
		client: client,
		prefix: prefix,
	}
}

// Lease returns the lease for key held by holder.
func (lm *LeaseManager) Lease(key, holder string, ttl time.Duration) *Lease {
	return NewLease(lm.client, lm.prefix+key, holder, ttl)
}
