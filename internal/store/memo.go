package store

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/epam/ai-dial-core-sub000/internal/resource"
)

// Memo caches a value derived from one resource. The value is rebuilt when
// the resource's update time or etag changes; concurrent rebuilds of the
// same version share one load.
type Memo[T, V any] struct {
	store *Store[T]
	addr  resource.Address
	parse func(*Resource[T]) (V, error)
	group singleflight.Group

	mu      sync.RWMutex
	version string
	value   V
	valid   bool
}

// NewMemo creates a memo of parse applied to the resource at addr. parse gets
// nil when the resource does not exist.
func NewMemo[T, V any](store *Store[T], addr resource.Address, parse func(*Resource[T]) (V, error)) *Memo[T, V] {
	return &Memo[T, V]{store: store, addr: addr, parse: parse}
}

func versionOf(m *Metadata) string {
	if m == nil {
		return "absent"
	}
	return strconv.FormatInt(m.UpdatedAt, 10) + "/" + m.Etag
}

// Get returns the value for the current version of the resource.
func (m *Memo[T, V]) Get(ctx context.Context) (V, error) {
	meta, err := m.store.GetMetadata(ctx, m.addr, ListOptions{})
	if err != nil {
		var zero V
		return zero, err
	}
	version := versionOf(meta)

	m.mu.RLock()
	if m.valid && m.version == version {
		v := m.value
		m.mu.RUnlock()
		return v, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do(version, func() (any, error) {
		res, err := m.store.Get(ctx, m.addr)
		if err != nil {
			return nil, err
		}
		value, err := m.parse(res)
		if err != nil {
			return nil, err
		}
		var loaded *Metadata
		if res != nil {
			loaded = &res.Metadata
		}
		m.mu.Lock()
		m.version, m.value, m.valid = versionOf(loaded), value, true
		m.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	value, _ := v.(V)
	return value, nil
}
