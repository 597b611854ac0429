// Package engine wires the resource store from configuration: durable
// backend, cache tier, locks and the document and file stores.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/epam/ai-dial-core-sub000/internal/cachetier"
	"github.com/epam/ai-dial-core-sub000/internal/config"
	"github.com/epam/ai-dial-core-sub000/internal/lock"
	"github.com/epam/ai-dial-core-sub000/internal/logging"
	"github.com/epam/ai-dial-core-sub000/internal/resource"
	"github.com/epam/ai-dial-core-sub000/internal/storage"
	"github.com/epam/ai-dial-core-sub000/internal/storage/factory"
	"github.com/epam/ai-dial-core-sub000/internal/store"
)

// Engine holds the wired components.
type Engine struct {
	Config    *config.Config
	Durable   storage.Backend
	Tier      *cachetier.Redis
	Locks     *lock.Locker
	Buckets   resource.BucketCodec
	Documents *store.Store[string]
	Files     *store.Store[[]byte]

	closers []func()
}

// Open connects every backend named by cfg.
func Open(ctx context.Context, cfg *config.Config) (_ *Engine, err error) {
	e := &Engine{Config: cfg}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	raw, err := cfg.StorageJSON()
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}
	e.Durable, err = factory.NewBackendFromConfig(ctx, cfg.StorageBackend, raw)
	if err != nil {
		return nil, fmt.Errorf("storage backend: %w", err)
	}
	e.closers = append(e.closers, func() { e.Durable.Close() })
	logging.Info("durable storage ready", zap.String("backend", e.Durable.Type()))

	pool := cachetier.NewPool(cachetier.Config{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		MaxIdle:     cfg.RedisMaxIdle,
		DialTimeout: 5 * time.Second,
	})
	e.Tier = cachetier.NewRedis(pool)
	e.closers = append(e.closers, func() { e.Tier.Close() })
	if err := e.Tier.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	logging.Info("cache tier ready", zap.String("addr", cfg.RedisAddr))

	leases, err := e.openLeases(ctx, pool)
	if err != nil {
		return nil, err
	}
	e.Locks = lock.New(leases, lock.WithLease(cfg.LockLease), lock.WithNamespace(cfg.Namespace))

	if cfg.BucketSecret != "" {
		if e.Buckets, err = resource.NewSealedBuckets(cfg.BucketSecret); err != nil {
			return nil, fmt.Errorf("bucket codec: %w", err)
		}
	} else {
		e.Buckets = resource.PlainBuckets{}
	}

	e.Documents = store.New[string](store.Text{}, e.Durable, e.Tier, e.Locks,
		storeOptions("documents", ".json", cfg.Namespace, cfg.Documents))
	e.Files = store.New[[]byte](store.Binary{}, e.Durable, e.Tier, e.Locks,
		storeOptions("files", "", cfg.Namespace, cfg.Files))
	return e, nil
}

func (e *Engine) openLeases(ctx context.Context, pool *redis.Pool) (lock.AtomicStore, error) {
	if e.Config.LockBackend != "nats" {
		return lock.NewRedisLeases(pool), nil
	}
	nc, err := nats.Connect(e.Config.NATSURL,
		nats.Name("dial-resource-store"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats %s: %w", e.Config.NATSURL, err)
	}
	e.closers = append(e.closers, nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	leases, err := lock.NewNATSLeases(ctx, js, e.Config.NATSBucket)
	if err != nil {
		return nil, err
	}
	logging.Info("lock leases on NATS", zap.String("bucket", e.Config.NATSBucket))
	return leases, nil
}

func storeOptions(name, suffix, namespace string, sc config.StoreConfig) store.Options {
	return store.Options{
		Name:               name,
		Namespace:          namespace,
		KeySuffix:          suffix,
		MaxSize:            sc.MaxSize,
		SyncPeriod:         sc.SyncPeriod,
		SyncDelay:          sc.SyncDelay,
		SyncBatch:          sc.SyncBatch,
		CacheExpiration:    sc.CacheExpiration,
		CompressionMinSize: sc.CompressionMinSize,
	}
}

// Scheduler returns a sync scheduler over both stores.
func (e *Engine) Scheduler(reg prometheus.Registerer) *store.Scheduler {
	return store.NewScheduler(store.SchedulerConfig{
		Period:     e.Config.SyncPeriod(),
		Workers:    e.Config.SyncWorkers,
		Registerer: reg,
	}, e.Documents, e.Files)
}

// Syncers returns both stores as sync targets.
func (e *Engine) Syncers() []store.Syncer {
	return []store.Syncer{e.Documents, e.Files}
}

// Resolve parses a resource URL with the configured bucket codec.
func (e *Engine) Resolve(rawURL string) (resource.Address, error) {
	return resource.Parse(rawURL, e.Buckets)
}

// Close releases every connection in reverse order of opening.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
