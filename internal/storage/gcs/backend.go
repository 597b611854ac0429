// Package gcs provides a Google Cloud Storage backend.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/epam/ai-dial-core-sub000/internal/logging"
	dstorage "github.com/epam/ai-dial-core-sub000/internal/storage"
)

const defaultPageSize = 1000

// BackendConfig is a JSON-serializable config for GCS backends.
type BackendConfig struct {
	Bucket          string `json:"bucket"`
	Endpoint        string `json:"endpoint"`
	CredentialsFile string `json:"credentials_file"`
	Anonymous       bool   `json:"anonymous"`
}

// Backend implements storage.Backend on a GCS bucket. Attributes are stored
// as object metadata.
type Backend struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewBackend creates a GCS backend.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Backend{client: client, bucket: client.Bucket(cfg.Bucket)}, nil
}

// NewBackendFromJSON creates a Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse gcs config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

// Exists checks if an object exists in the bucket.
func (b *Backend) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { dstorage.Observe(b.Type(), "attrs", start, err) }(time.Now())

	_, err = b.bucket.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("attrs %s: %w", key, err)
	}
	return true, nil
}

// Get reads an object. Data is read as stored, without decompressive
// transcoding, so the encoding attribute stays meaningful.
func (b *Backend) Get(ctx context.Context, key string) (obj *dstorage.Object, err error) {
	defer func(start time.Time) { dstorage.Observe(b.Type(), "get", start, err) }(time.Now())

	handle := b.bucket.Object(key)
	attrs, err := handle.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", key, dstorage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("attrs %s: %w", key, err)
	}

	r, err := handle.Generation(attrs.Generation).ReadCompressed(true).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", key, dstorage.ErrObjectNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return &dstorage.Object{
		Data:            data,
		ContentType:     attrs.ContentType,
		ContentEncoding: attrs.ContentEncoding,
		Attributes:      attrs.Metadata,
		LastModified:    attrs.Updated,
	}, nil
}

// Put writes an object.
func (b *Backend) Put(ctx context.Context, key string, obj *dstorage.Object) (err error) {
	defer func(start time.Time) { dstorage.Observe(b.Type(), "put", start, err) }(time.Now())

	w := b.bucket.Object(key).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.ContentEncoding = obj.ContentEncoding
	w.Metadata = dstorage.CloneAttributes(obj.Attributes)
	if _, err = w.Write(obj.Data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	logging.Debug("GCS put object", zap.String("key", key), zap.Int("size", len(obj.Data)))
	return nil
}

// Delete removes an object.
func (b *Backend) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { dstorage.Observe(b.Type(), "delete", start, err) }(time.Now())

	err = b.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns one page under prefix.
func (b *Backend) List(ctx context.Context, prefix string, opts dstorage.ListOptions) (page *dstorage.Page, err error) {
	defer func(start time.Time) { dstorage.Observe(b.Type(), "list", start, err) }(time.Now())

	query := &storage.Query{Prefix: prefix}
	if !opts.Recursive {
		query.Delimiter = "/"
	}
	if err := query.SetAttrSelection([]string{"Name", "Size", "ContentType", "Metadata", "Updated"}); err != nil {
		return nil, err
	}
	it := b.bucket.Objects(ctx, query)

	var attrs []*storage.ObjectAttrs
	page = &dstorage.Page{}
	if opts.Limit > 0 {
		pager := iterator.NewPager(it, opts.Limit, opts.Token)
		next, err := pager.NextPage(&attrs)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		page.NextToken = next
	} else {
		it.PageInfo().Token = opts.Token
		for {
			a, err := it.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", prefix, err)
			}
			attrs = append(attrs, a)
		}
	}

	for _, a := range attrs {
		if a.Prefix != "" {
			page.Entries = append(page.Entries, dstorage.Entry{Key: a.Prefix, Prefix: true})
			continue
		}
		page.Entries = append(page.Entries, dstorage.Entry{
			Key:          a.Name,
			Size:         a.Size,
			ContentType:  a.ContentType,
			Attributes:   a.Metadata,
			LastModified: a.Updated,
		})
	}
	return page, nil
}

// Copy copies an object server-side, metadata included.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) (ok bool, err error) {
	defer func(start time.Time) { dstorage.Observe(b.Type(), "copy", start, err) }(time.Now())

	src := b.bucket.Object(srcKey)
	if _, err = src.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("attrs %s: %w", srcKey, err)
	}
	if _, err = b.bucket.Object(dstKey).CopierFrom(src).Run(ctx); err != nil {
		return false, fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return true, nil
}

// Type returns "gcs".
func (b *Backend) Type() string { return "gcs" }

// Close releases the client.
func (b *Backend) Close() error { return b.client.Close() }
