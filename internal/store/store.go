// Package store implements the cache-backed durable resource store. Writes
// land in the shared cache tier as dirty records and reach the durable tier
// through the sync queue; every mutation of a key runs under its lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/epam/ai-dial-core-sub000/internal/cachetier"
	"github.com/epam/ai-dial-core-sub000/internal/lock"
	"github.com/epam/ai-dial-core-sub000/internal/logging"
	"github.com/epam/ai-dial-core-sub000/internal/metrics"
	"github.com/epam/ai-dial-core-sub000/internal/resource"
	"github.com/epam/ai-dial-core-sub000/internal/storage"
)

// Options configures a Store. Zero values take the defaults below.
type Options struct {
	// Name labels logs and metrics and names the sync queue.
	Name      string
	Namespace string
	// KeySuffix is appended to durable keys, ".json" for documents.
	KeySuffix string
	// MaxSize bounds payloads in bytes; 0 means no limit.
	MaxSize int64

	SyncPeriod time.Duration

	// SyncDelay is how long a dirty record waits before it is due. A
	// negative value makes writes due immediately.
	SyncDelay       time.Duration
	SyncBatch       int
	CacheExpiration time.Duration
	// Payloads of at least CompressionMinSize bytes are gzipped in the
	// durable tier. A negative value disables compression.
	CompressionMinSize int
}

const (
	DefaultSyncPeriod         = time.Minute
	DefaultSyncDelay          = 2 * time.Minute
	DefaultSyncBatch          = 4096
	DefaultCacheExpiration    = 5 * time.Minute
	DefaultCompressionMinSize = 256
)

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "resources"
	}
	if o.SyncPeriod <= 0 {
		o.SyncPeriod = DefaultSyncPeriod
	}
	if o.SyncDelay < 0 {
		o.SyncDelay = 0
	} else if o.SyncDelay == 0 {
		o.SyncDelay = DefaultSyncDelay
	}
	if o.SyncBatch <= 0 {
		o.SyncBatch = DefaultSyncBatch
	}
	if o.CacheExpiration <= 0 {
		o.CacheExpiration = DefaultCacheExpiration
	}
	if o.CompressionMinSize == 0 {
		o.CompressionMinSize = DefaultCompressionMinSize
	}
	return o
}

// Store is one family of resources (documents or files) sharing a payload
// codec, a durable backend and a sync queue.
type Store[T any] struct {
	opts    Options
	codec   Codec[T]
	durable storage.Backend
	cache   cachetier.Tier
	locks   *lock.Locker
	queue   string
	log     *zap.Logger
	now     func() time.Time
}

// New creates a store. Stores sharing a cache tier must have distinct names.
func New[T any](codec Codec[T], durable storage.Backend, cache cachetier.Tier, locks *lock.Locker, opts Options) *Store[T] {
	opts = opts.withDefaults()
	return &Store[T]{
		opts:    opts,
		codec:   codec,
		durable: durable,
		cache:   cache,
		locks:   locks,
		queue:   opts.Namespace + "sync:" + opts.Name,
		log:     logging.Named("store").With(zap.String("store", opts.Name)),
		now:     time.Now,
	}
}

// Name returns the store name.
func (s *Store[T]) Name() string {
	return s.opts.Name
}

// SyncBatch returns the most keys one DueKeys call yields.
func (s *Store[T]) SyncBatch() int {
	return s.opts.SyncBatch
}

// Options returns the effective options.
func (s *Store[T]) Options() Options {
	return s.opts
}

func (s *Store[T]) cacheKey(addr resource.Address) string {
	return addr.CacheKey(s.opts.Namespace)
}

func (s *Store[T]) durableKey(addr resource.Address) string {
	return addr.AbsolutePath() + s.opts.KeySuffix
}

// durableKeyOf maps a cache key taken from the sync queue back to its
// durable key.
func (s *Store[T]) durableKeyOf(cacheKey string) (string, error) {
	k := strings.TrimPrefix(cacheKey, s.opts.Namespace)
	i := strings.Index(k, ":")
	if i < 0 {
		return "", fmt.Errorf("malformed cache key %q", cacheKey)
	}
	return k[i+1:] + s.opts.KeySuffix, nil
}

func checkItem(addr resource.Address) error {
	if addr.IsFolder() {
		return fmt.Errorf("%w: %s is a folder", resource.ErrInvalidAddress, addr)
	}
	return nil
}

func (s *Store[T]) checkSize(n int) error {
	if s.opts.MaxSize > 0 && int64(n) > s.opts.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds the limit of %d", resource.ErrTooLarge, n, s.opts.MaxSize)
	}
	return nil
}

func (s *Store[T]) loadCached(ctx context.Context, key string, fields ...string) (*record, error) {
	m, err := s.cache.Load(ctx, key, fields...)
	if err != nil || m == nil {
		return nil, err
	}
	rec, err := decodeRecord(m)
	if err != nil {
		// A miss: the read-through or the next write replaces the record.
		s.log.Warn("undecodable cache record", logging.Key(key), zap.Error(err))
		return nil, nil
	}
	return rec, nil
}

// loadDurable reads a key from the durable tier as a synced record. A
// missing object yields a synced record that does not exist.
func (s *Store[T]) loadDurable(ctx context.Context, durableKey string) (*record, error) {
	obj, err := s.durable.Get(ctx, durableKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return &record{Binary: s.codec.Binary(), Synced: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", durableKey, err)
	}
	data, err := decompress(obj.Data, obj.ContentEncoding)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", durableKey, err)
	}

	modified := obj.LastModified.UnixMilli()
	rec := &record{
		Exists:        true,
		Binary:        s.codec.Binary(),
		Synced:        true,
		Body:          cacheBody(data, s.codec.Binary()),
		Etag:          obj.Attributes[fieldEtag],
		CreatedAt:     attrInt(obj.Attributes, fieldCreatedAt, modified),
		UpdatedAt:     attrInt(obj.Attributes, fieldUpdatedAt, modified),
		ContentType:   obj.ContentType,
		ContentLength: int64(len(data)),
	}
	if rec.Etag == "" {
		rec.Etag = ETag(data)
	}
	if rec.ContentType == "" {
		rec.ContentType = s.codec.DefaultContentType()
	}
	return rec, nil
}

// read looks a key up in the cache tier and reads through to the durable
// tier on a miss. Concurrent misses are collapsed by the key lock and the
// result, absence included, is cached.
func (s *Store[T]) read(ctx context.Context, addr resource.Address, fields ...string) (*record, error) {
	key := s.cacheKey(addr)
	rec, err := s.loadCached(ctx, key, fields...)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		metrics.RecordCacheLookup(s.opts.Name, true)
		return rec, nil
	}
	metrics.RecordCacheLookup(s.opts.Name, false)

	err = s.locks.WithLock(ctx, key, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		cached, err := s.loadCached(ctx, key)
		if err != nil {
			return err
		}
		if cached != nil {
			rec = cached
			return nil
		}
		loaded, err := s.loadDurable(ctx, s.durableKey(addr))
		if err != nil {
			return err
		}
		rec = loaded
		return s.cache.StoreClean(ctx, key, loaded.fields(), s.opts.CacheExpiration, s.queue)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// current returns the state of a key for a writer already holding its lock.
func (s *Store[T]) current(ctx context.Context, addr resource.Address) (*record, error) {
	rec, err := s.loadCached(ctx, s.cacheKey(addr))
	if err != nil || rec != nil {
		return rec, err
	}
	return s.loadDurable(ctx, s.durableKey(addr))
}

// Get returns the item at addr, or nil when it does not exist.
func (s *Store[T]) Get(ctx context.Context, addr resource.Address) (*Resource[T], error) {
	if err := checkItem(addr); err != nil {
		return nil, err
	}
	rec, err := s.read(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !rec.Exists {
		return nil, nil
	}
	data, err := rec.data()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}
	body, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", addr, err)
	}
	return &Resource[T]{Metadata: *rec.metadata(addr), Body: body}, nil
}

// GetMetadata returns the metadata of an item, or one page of a folder
// listing. Listings come from the durable tier only and may lag behind
// writes that have not been flushed yet. It returns nil when the item, or a
// non-root folder, does not exist.
func (s *Store[T]) GetMetadata(ctx context.Context, addr resource.Address, opts ListOptions) (*Metadata, error) {
	if addr.IsFolder() {
		return s.list(ctx, addr, opts)
	}
	rec, err := s.read(ctx, addr, metadataFields...)
	if err != nil {
		return nil, err
	}
	return rec.metadata(addr), nil
}

func (s *Store[T]) list(ctx context.Context, folder resource.Address, opts ListOptions) (*Metadata, error) {
	page, err := s.durable.List(ctx, folder.AbsolutePath(), storage.ListOptions{
		Token:     opts.Token,
		Limit:     opts.Limit,
		Recursive: opts.Recursive,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}

	meta := newMetadata(folder)
	meta.NextToken = page.NextToken
	for _, e := range page.Entries {
		key := e.Key
		if !e.Prefix && s.opts.KeySuffix != "" {
			if !strings.HasSuffix(key, s.opts.KeySuffix) {
				continue
			}
			key = strings.TrimSuffix(key, s.opts.KeySuffix)
		}
		child, ok := folder.FromAbsolutePath(key)
		if !ok {
			continue
		}
		meta.Items = append(meta.Items, entryMetadata(child, e))
	}
	if len(meta.Items) == 0 && opts.Token == "" && folder.Path != "" {
		return nil, nil
	}
	return meta, nil
}

// Put writes body to addr if pre holds for the current state.
func (s *Store[T]) Put(ctx context.Context, addr resource.Address, body T, contentType string, pre Precondition) (*Metadata, error) {
	if err := checkItem(addr); err != nil {
		return nil, err
	}
	data := s.codec.Encode(body)
	if err := s.checkSize(len(data)); err != nil {
		return nil, err
	}

	var meta *Metadata
	err := s.locks.WithLock(ctx, s.cacheKey(addr), func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		cur, err := s.current(ctx, addr)
		if err != nil {
			return err
		}
		if err := pre.Check(cur.metadata(addr)); err != nil {
			return fmt.Errorf("put %s: %w", addr, err)
		}
		meta, err = s.write(ctx, addr, cur, data, contentType)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordWrite(s.opts.Name, "put")
	return meta, nil
}

// write stores data as the new dirty state of addr. The caller holds the lock.
func (s *Store[T]) write(ctx context.Context, addr resource.Address, cur *record, data []byte, contentType string) (*Metadata, error) {
	if contentType == "" {
		contentType = cur.ContentType
	}
	if contentType == "" {
		contentType = s.codec.DefaultContentType()
	}
	now := s.now()
	rec := &record{
		Exists:        true,
		Binary:        s.codec.Binary(),
		Body:          cacheBody(data, s.codec.Binary()),
		Etag:          ETag(data),
		CreatedAt:     now.UnixMilli(),
		UpdatedAt:     now.UnixMilli(),
		ContentType:   contentType,
		ContentLength: int64(len(data)),
	}
	if cur.Exists {
		rec.CreatedAt = cur.CreatedAt
	}
	if err := s.cache.StoreDirty(ctx, s.cacheKey(addr), rec.fields(), s.queue, now.Add(s.opts.SyncDelay)); err != nil {
		return nil, fmt.Errorf("write %s: %w", addr, err)
	}
	if !cur.Exists {
		s.writeStub(ctx, addr, cur, rec)
	}
	return rec.metadata(addr), nil
}

// writeStub puts an empty placeholder in the durable tier so that folder
// listings show a new item before its first flush.
func (s *Store[T]) writeStub(ctx context.Context, addr resource.Address, cur, rec *record) {
	key := s.durableKey(addr)
	if !cur.Synced {
		// A pending delete: the old object may still be there.
		exists, err := s.durable.Exists(ctx, key)
		if err != nil {
			s.log.Warn("stub check failed", logging.Key(key), zap.Error(err))
			return
		}
		if exists {
			return
		}
	}
	err := s.durable.Put(ctx, key, &storage.Object{
		ContentType: rec.ContentType,
		Attributes: map[string]string{
			fieldCreatedAt: strconv.FormatInt(rec.CreatedAt, 10),
			fieldUpdatedAt: strconv.FormatInt(rec.UpdatedAt, 10),
		},
	})
	if err != nil {
		s.log.Warn("stub write failed", logging.Key(key), zap.Error(err))
	}
}

// Delete removes the item at addr. It returns false when there was nothing
// to delete; with a precondition, a missing item is ErrNotFound instead.
func (s *Store[T]) Delete(ctx context.Context, addr resource.Address, pre Precondition) (bool, error) {
	if err := checkItem(addr); err != nil {
		return false, err
	}

	deleted := false
	key := s.cacheKey(addr)
	err := s.locks.WithLock(ctx, key, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		cur, err := s.current(ctx, addr)
		if err != nil {
			return err
		}
		if !cur.Exists {
			if pre.IsUnconditional() {
				return nil
			}
			return fmt.Errorf("delete %s: %w", addr, resource.ErrNotFound)
		}
		if err := pre.Check(cur.metadata(addr)); err != nil {
			return fmt.Errorf("delete %s: %w", addr, err)
		}
		tombstone := &record{Binary: s.codec.Binary()}
		if err := s.cache.StoreDirty(ctx, key, tombstone.fields(), s.queue, s.now().Add(s.opts.SyncDelay)); err != nil {
			return fmt.Errorf("delete %s: %w", addr, err)
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		metrics.RecordWrite(s.opts.Name, "delete")
	}
	return deleted, nil
}

// Compute atomically replaces the body at addr with fn(current). fn gets nil
// when the item does not exist; returning nil leaves the item unchanged.
// The returned metadata describes the resulting state, nil if absent.
func (s *Store[T]) Compute(ctx context.Context, addr resource.Address, fn func(current *T) (*T, error)) (*Metadata, error) {
	if err := checkItem(addr); err != nil {
		return nil, err
	}

	var (
		meta  *Metadata
		wrote bool
	)
	err := s.locks.WithLock(ctx, s.cacheKey(addr), func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		cur, err := s.current(ctx, addr)
		if err != nil {
			return err
		}
		var in *T
		if cur.Exists {
			data, err := cur.data()
			if err != nil {
				return fmt.Errorf("%s: %w", addr, err)
			}
			v, err := s.codec.Decode(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", addr, err)
			}
			in = &v
		}

		out, err := fn(in)
		if err != nil {
			return err
		}
		if out == nil {
			meta = cur.metadata(addr)
			return nil
		}
		data := s.codec.Encode(*out)
		if err := s.checkSize(len(data)); err != nil {
			return err
		}
		meta, err = s.write(ctx, addr, cur, data, "")
		wrote = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if wrote {
		metrics.RecordWrite(s.opts.Name, "compute")
	}
	return meta, nil
}

// Copy writes the body of src to dst if pre holds for dst. Both keys are
// locked for the duration.
func (s *Store[T]) Copy(ctx context.Context, src, dst resource.Address, pre Precondition) (*Metadata, error) {
	if err := checkItem(src); err != nil {
		return nil, err
	}
	if err := checkItem(dst); err != nil {
		return nil, err
	}
	if src.URL() == dst.URL() {
		return nil, fmt.Errorf("%w: copy of %s onto itself", resource.ErrInvalidAddress, src)
	}

	var meta *Metadata
	keys := []string{s.cacheKey(src), s.cacheKey(dst)}
	err := s.locks.WithLocks(ctx, keys, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		var from, to *record
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			from, err = s.current(gctx, src)
			return err
		})
		g.Go(func() (err error) {
			to, err = s.current(gctx, dst)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		if !from.Exists {
			return fmt.Errorf("copy %s: %w", src, resource.ErrNotFound)
		}
		if err := pre.Check(to.metadata(dst)); err != nil {
			return fmt.Errorf("copy to %s: %w", dst, err)
		}
		data, err := from.data()
		if err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
		meta, err = s.write(ctx, dst, to, data, from.ContentType)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordWrite(s.opts.Name, "copy")
	return meta, nil
}

// Flush synchronously writes the state of addr to the durable tier.
func (s *Store[T]) Flush(ctx context.Context, addr resource.Address) error {
	if err := checkItem(addr); err != nil {
		return err
	}
	key := s.cacheKey(addr)
	return s.locks.WithLock(ctx, key, func(ctx context.Context) error {
		return s.sync(context.WithoutCancel(ctx), key)
	})
}

// DueKeys returns up to SyncBatch cache keys whose sync is due.
func (s *Store[T]) DueKeys(ctx context.Context) ([]string, error) {
	keys, err := s.cache.Due(ctx, s.queue, s.now(), s.opts.SyncBatch)
	if err != nil {
		return nil, err
	}
	metrics.RecordSyncBatch(s.opts.Name, len(keys))
	return keys, nil
}

// SyncKey flushes one cache key unless another process holds its lock. It
// reports whether the key was handled.
func (s *Store[T]) SyncKey(ctx context.Context, key string) (bool, error) {
	le, err := s.locks.TryAcquire(ctx, key)
	if err != nil || le == nil {
		return false, err
	}
	defer le.Release(ctx)
	if err := s.sync(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

// SyncDue flushes every due key in one pass and returns how many were
// handled. Failures of single keys are logged and skipped.
func (s *Store[T]) SyncDue(ctx context.Context) (int, error) {
	keys, err := s.DueKeys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		ok, err := s.SyncKey(ctx, key)
		if err != nil {
			s.log.Warn("sync failed", logging.Key(key), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// sync reconciles the durable tier with the cache record at key. The caller
// holds the lock.
func (s *Store[T]) sync(ctx context.Context, key string) error {
	rec, err := s.loadCached(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return s.cache.Dequeue(ctx, s.queue, key)
	}
	if rec.Synced {
		return s.cache.MarkSynced(ctx, key, s.opts.CacheExpiration, s.queue)
	}

	durableKey, err := s.durableKeyOf(key)
	if err != nil {
		return err
	}
	if rec.Exists {
		var obj *storage.Object
		if obj, err = s.toObject(rec); err == nil {
			err = s.durable.Put(ctx, durableKey, obj)
		}
	} else {
		err = s.durable.Delete(ctx, durableKey)
	}
	if err != nil {
		metrics.RecordFlush(s.opts.Name, false)
		return fmt.Errorf("flush %s: %w", key, err)
	}

	if err := s.cache.MarkSynced(ctx, key, s.opts.CacheExpiration, s.queue); err != nil {
		return err
	}
	metrics.RecordFlush(s.opts.Name, true)
	s.log.Debug("flushed", logging.Key(key), zap.Bool("exists", rec.Exists))
	return nil
}

func (s *Store[T]) toObject(rec *record) (*storage.Object, error) {
	data, err := rec.data()
	if err != nil {
		return nil, err
	}
	obj := &storage.Object{
		ContentType: rec.ContentType,
		Attributes: map[string]string{
			fieldEtag:          rec.Etag,
			fieldCreatedAt:     strconv.FormatInt(rec.CreatedAt, 10),
			fieldUpdatedAt:     strconv.FormatInt(rec.UpdatedAt, 10),
			fieldContentType:   rec.ContentType,
			fieldContentLength: strconv.FormatInt(rec.ContentLength, 10),
		},
	}
	if s.opts.CompressionMinSize >= 0 && len(data) >= s.opts.CompressionMinSize {
		if data, err = compress(data); err != nil {
			return nil, err
		}
		obj.ContentEncoding = encodingGzip
	}
	obj.Data = data
	return obj, nil
}
