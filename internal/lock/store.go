package lock

import (
	"context"
	"time"
)

// AtomicStore holds lease records and changes them with single-key
// compare-and-set operations. A record is {owner, deadline}; only the owner
// may extend or delete it, and anyone may replace it once the deadline passed.
type AtomicStore interface {
	// Acquire installs {owner, deadline} at key if no record exists or the
	// existing one expired before now.
	Acquire(ctx context.Context, key, owner string, now, deadline time.Time) (bool, error)

	// Extend moves the deadline of key if owner still holds it.
	Extend(ctx context.Context, key, owner string, now, deadline time.Time) (bool, error)

	// Release deletes key if owner still holds it.
	Release(ctx context.Context, key, owner string) (bool, error)
}
