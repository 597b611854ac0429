package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/epam/ai-dial-core-sub000/internal/logging"
	"github.com/epam/ai-dial-core-sub000/internal/worker"
)

// Syncer is a store whose dirty keys the Scheduler drains.
type Syncer interface {
	Name() string
	// SyncBatch is the most keys DueKeys returns at once.
	SyncBatch() int
	DueKeys(ctx context.Context) ([]string, error)
	SyncKey(ctx context.Context, key string) (bool, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Period  time.Duration
	Workers int
	// QueueSize is raised to hold one full batch of every store plus the
	// round job, so a round never drops keys.
	QueueSize int
	// Registerer receives the worker pool metrics when set.
	Registerer prometheus.Registerer
}

// syncJob is either a whole round (store == nil) or one key.
type syncJob struct {
	store Syncer
	key   string
}

// Scheduler periodically flushes due keys of its stores. A ticker hands each
// round to a worker pool; the round fans out one job per key. A round starts
// only after every job of the previous one finished.
type Scheduler struct {
	period   time.Duration
	stores   []Syncer
	pool     *worker.Pool[syncJob]
	inFlight atomic.Int64
	log      *zap.Logger

	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler for stores.
func NewScheduler(cfg SchedulerConfig, stores ...Syncer) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultSyncPeriod
	}
	need := 1
	for _, st := range stores {
		need += st.SyncBatch()
	}
	cfg.QueueSize = max(cfg.QueueSize, need)
	s := &Scheduler{
		period: cfg.Period,
		stores: stores,
		log:    logging.Named("sync"),
	}
	var opts []worker.Option[syncJob]
	if cfg.Registerer != nil {
		opts = append(opts, worker.WithMetrics[syncJob](cfg.Registerer))
	}
	opts = append(opts, worker.WithLogger[syncJob](s.log))
	s.pool = worker.NewPool("sync", cfg.Workers, cfg.QueueSize, s.process, opts...)
	return s
}

// Start launches the ticker and the workers.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := s.pool.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.log.Info("sync scheduler started", zap.Duration("period", s.period), zap.Int("stores", len(s.stores)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Stop halts the ticker and waits up to timeout for queued jobs. Keys left
// unflushed stay in the sync queue for the next process.
func (s *Scheduler) Stop(timeout time.Duration) error {
	if s.cancel == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	err := s.pool.Stop(timeout)
	s.cancel()
	s.cancel = nil
	s.log.Info("sync scheduler stopped")
	return err
}

// Tick submits a sync round. It returns false when the previous round is
// still running or the pool refused the job.
func (s *Scheduler) Tick() bool {
	if !s.inFlight.CompareAndSwap(0, 1) {
		s.log.Debug("previous sync round still running")
		return false
	}
	if err := s.pool.Submit(syncJob{}); err != nil {
		s.inFlight.Add(-1)
		s.log.Warn("sync round not scheduled", zap.Error(err))
		return false
	}
	return true
}

// Idle reports whether no round is running.
func (s *Scheduler) Idle() bool {
	return s.inFlight.Load() == 0
}

func (s *Scheduler) process(ctx context.Context, job syncJob) error {
	defer s.inFlight.Add(-1)
	if job.store == nil {
		s.round(ctx)
		return nil
	}
	if _, err := job.store.SyncKey(ctx, job.key); err != nil {
		return fmt.Errorf("sync %s %s: %w", job.store.Name(), job.key, err)
	}
	return nil
}

func (s *Scheduler) round(ctx context.Context) {
	for _, st := range s.stores {
		keys, err := st.DueKeys(ctx)
		if err != nil {
			s.log.Warn("reading due keys failed", zap.String("store", st.Name()), zap.Error(err))
			continue
		}
		for _, key := range keys {
			s.inFlight.Add(1)
			if err := s.pool.Submit(syncJob{store: st, key: key}); err != nil {
				s.inFlight.Add(-1)
				s.log.Debug("sync job deferred", zap.String("store", st.Name()), logging.Key(key), zap.Error(err))
			}
		}
	}
}
