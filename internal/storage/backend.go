// Package storage defines the Backend interface for the durable tier of the
// resource store and the listing helpers shared by its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/epam/ai-dial-core-sub000/internal/metrics"
)

// ErrObjectNotFound is returned by Get when no object exists at the key.
var ErrObjectNotFound = errors.New("object not found")

// Object is a durable blob with its user attributes.
type Object struct {
	Data            []byte
	ContentType     string
	ContentEncoding string
	Attributes      map[string]string
	LastModified    time.Time
}

// Entry is one listing result. Prefix entries stand for every key below
// Key, which then ends with "/".
type Entry struct {
	Key          string
	Prefix       bool
	Size         int64
	ContentType  string
	Attributes   map[string]string
	LastModified time.Time
}

// ListOptions controls pagination of List. Token is the NextToken of the
// previous page; Limit <= 0 means no limit.
type ListOptions struct {
	Token     string
	Limit     int
	Recursive bool
}

// Page is a page of listing results in lexicographic key order.
type Page struct {
	Entries   []Entry
	NextToken string
}

// Backend is the interface for durable object storage.
// Implementations handle raw object I/O (local filesystem, S3, GCS, Azure
// Blob, PostgreSQL). Cache records and locks live elsewhere.
type Backend interface {
	// Exists checks if an object exists at the given key.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the object at key or ErrObjectNotFound.
	Get(ctx context.Context, key string) (*Object, error)

	// Put creates or replaces the object at key.
	Put(ctx context.Context, key string, obj *Object) error

	// Delete removes an object by key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix. Unless opts.Recursive is set, keys
	// containing a further "/" after the prefix collapse into one prefix entry.
	List(ctx context.Context, prefix string, opts ListOptions) (*Page, error)

	// Copy copies srcKey to dstKey. It returns false if srcKey does not exist.
	Copy(ctx context.Context, srcKey, dstKey string) (bool, error)

	// Type returns the backend type identifier ("local", "s3", "gcs", "azure", "postgres").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Observe records the duration and outcome of one backend operation.
// A missing object is a successful lookup.
func Observe(backend, operation string, start time.Time, err error) {
	ok := err == nil || errors.Is(err, ErrObjectNotFound)
	metrics.RecordBackendOperation(backend, operation, time.Since(start), ok)
}

// CloneAttributes copies an attribute map so callers can't alias a
// backend's internal state.
func CloneAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
