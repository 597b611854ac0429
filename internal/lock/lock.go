// Package lock provides a distributed lock built on lease records in an
// AtomicStore. Leases expire on their own, so a crashed holder blocks others
// for at most one lease period.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/epam/ai-dial-core-sub000/internal/logging"
	"github.com/epam/ai-dial-core-sub000/internal/metrics"
	"github.com/epam/ai-dial-core-sub000/internal/retry"
)

// DefaultLease is long enough that normal critical sections never outlive it.
const DefaultLease = 5 * time.Minute

const keyPrefix = "lock:"

var errHeld = errors.New("lease held")

// Locker hands out leases on string keys.
type Locker struct {
	store     AtomicStore
	lease     time.Duration
	namespace string
	backoff   retry.Config
	log       *zap.Logger
	now       func() time.Time
}

// Option configures a Locker.
type Option func(*Locker)

// WithLease sets the lease period.
func WithLease(d time.Duration) Option {
	return func(l *Locker) { l.lease = d }
}

// WithNamespace prefixes bucket lock keys, matching the cache key namespace.
func WithNamespace(ns string) Option {
	return func(l *Locker) { l.namespace = ns }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Locker) { l.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// New creates a Locker on store.
func New(store AtomicStore, opts ...Option) *Locker {
	l := &Locker{
		store:   store,
		lease:   DefaultLease,
		backoff: retry.LockConfig(),
		log:     logging.Named("lock"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lease is a held lock.
type Lease struct {
	locker *Locker
	key    string
	owner  string
}

// Key returns the locked key, without the lock prefix.
func (le *Lease) Key() string {
	return le.key
}

func newOwner() string {
	return strconv.FormatInt(rand.Int64(), 10)
}

func (l *Locker) try(ctx context.Context, key, owner string) (bool, error) {
	now := l.now()
	ok, err := l.store.Acquire(ctx, keyPrefix+key, owner, now, now.Add(l.lease))
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		metrics.RecordLockContended()
	}
	return ok, nil
}

// TryAcquire makes a single attempt. It returns a nil lease when key is held.
func (l *Locker) TryAcquire(ctx context.Context, key string) (*Lease, error) {
	owner := newOwner()
	ok, err := l.try(ctx, key, owner)
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{locker: l, key: key, owner: owner}, nil
}

// Acquire blocks until key is leased or ctx is done. Attempts back off
// exponentially from 1ms to 128ms.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	start := time.Now()
	owner := newOwner()
	err := retry.Do(ctx, l.backoff, func() error {
		ok, err := l.try(ctx, key, owner)
		if err != nil {
			return err
		}
		if !ok {
			return retry.Retryable(errHeld)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordLockWait(time.Since(start))
	return &Lease{locker: l, key: key, owner: owner}, nil
}

// Release gives the lease up. Finding the lease owned by someone else means
// it expired and was taken over; that is logged, not reported.
func (le *Lease) Release(ctx context.Context) {
	ok, err := le.locker.store.Release(context.WithoutCancel(ctx), keyPrefix+le.key, le.owner)
	if err != nil {
		le.locker.log.Error("lock release failed", logging.Key(le.key), zap.Error(err))
		return
	}
	if !ok {
		metrics.RecordLockLost()
		le.locker.log.Warn("lock lease was lost before release", logging.Key(le.key), zap.String("owner", le.owner))
	}
}

// Extend pushes the deadline one lease period forward. It returns false when
// the lease was already lost.
func (le *Lease) Extend(ctx context.Context) (bool, error) {
	now := le.locker.now()
	ok, err := le.locker.store.Extend(ctx, keyPrefix+le.key, le.owner, now, now.Add(le.locker.lease))
	if err != nil {
		return false, fmt.Errorf("extend %s: %w", le.key, err)
	}
	if !ok {
		metrics.RecordLockLost()
	}
	return ok, nil
}

// keepAlive extends the lease every third of the lease period until stop is
// closed.
func (le *Lease) keepAlive(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(le.locker.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := le.Extend(ctx)
			if err != nil {
				le.locker.log.Warn("lock extend failed", logging.Key(le.key), zap.Error(err))
				continue
			}
			if !ok {
				le.locker.log.Warn("lock lease lost while held", logging.Key(le.key))
				return
			}
		}
	}
}

// WithLock runs fn while holding key. The lease is kept alive for as long as
// fn runs and released on every exit path, panics included.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.WithLocks(ctx, []string{key}, fn)
}

// WithLocks runs fn while holding every key. Keys are locked in sorted order
// so that callers locking overlapping sets cannot deadlock.
func (l *Locker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	keys = sortedUnique(keys)

	leases := make([]*Lease, 0, len(keys))
	defer func() {
		for i := len(leases) - 1; i >= 0; i-- {
			leases[i].Release(ctx)
		}
	}()
	for _, key := range keys {
		le, err := l.Acquire(ctx, key)
		if err != nil {
			return err
		}
		leases = append(leases, le)
	}

	if l.lease/3 > 0 {
		stop := make(chan struct{})
		var wg sync.WaitGroup
		bg := context.WithoutCancel(ctx)
		for _, le := range leases {
			wg.Add(1)
			go func() {
				defer wg.Done()
				le.keepAlive(bg, stop)
			}()
		}
		defer func() {
			close(stop)
			wg.Wait()
		}()
	}
	return fn(ctx)
}

func (l *Locker) bucketKey(location string) string {
	return l.namespace + "bucket:" + location
}

// WithBucketLock runs fn while holding the lock of a whole bucket.
func (l *Locker) WithBucketLock(ctx context.Context, bucketLocation string, fn func(ctx context.Context) error) error {
	return l.WithLock(ctx, l.bucketKey(bucketLocation), fn)
}

// WithBucketLocks runs fn while holding the locks of several buckets.
func (l *Locker) WithBucketLocks(ctx context.Context, bucketLocations []string, fn func(ctx context.Context) error) error {
	keys := make([]string, len(bucketLocations))
	for i, loc := range bucketLocations {
		keys[i] = l.bucketKey(loc)
	}
	return l.WithLocks(ctx, keys, fn)
}

func sortedUnique(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
