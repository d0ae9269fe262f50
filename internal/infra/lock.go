package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DistLock is a best-effort distributed mutex over Redis. SET NX with
// a fencing value, released only by the holder.
type DistLock struct {
	store      RedisStore
	ttl        time.Duration
	retries    int
	retryDelay time.Duration
}

type LockOptions struct {
	TTL        time.Duration // default 10s
	Retries    int           // attempts after the first, default 3
	RetryDelay time.Duration // default 300ms
}

func NewDistLock(store RedisStore, opts LockOptions) *DistLock {
	if opts.TTL == 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 300 * time.Millisecond
	}
	return &DistLock{
		store:      store,
		ttl:        opts.TTL,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
	}
}

// Acquire takes lock:{name} and returns a release func. Release is
// safe to call when the TTL already expired; a lock stolen after
// expiry is left alone.
func (l *DistLock) Acquire(ctx context.Context, name string) (func(), error) {
	key := "lock:" + name
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := l.store.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			break
		}
		if attempt >= l.retries {
			return nil, fmt.Errorf("could not acquire lock: %s", name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = l.store.DelIfEquals(ctx, key, token)
	}
	return release, nil
}
