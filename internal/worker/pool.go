// Package worker provides a bounded pool of goroutines processing jobs of
// one type. The sync scheduler uses it to keep durable I/O off its ticker.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/epam/ai-dial-core-sub000/internal/logging"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1000
)

// Pool runs processor for every submitted job on a fixed number of workers.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error

	jobs    chan T
	metrics *poolMetrics
	log     *zap.Logger
	wg      sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	processed  *prometheus.CounterVec
	dropped    prometheus.Counter
	duration   prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers the pool's collectors on reg, labelled by the pool name.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(p *Pool[T]) {
		p.metrics = newPoolMetrics(reg, p.name)
	}
}

// WithLogger sets the logger used for failed jobs.
func WithLogger[T any](log *zap.Logger) Option[T] {
	return func(p *Pool[T]) { p.log = log }
}

// NewPool creates a pool. Non-positive sizes fall back to defaults.
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	p := &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		jobs:      make(chan T, queueSize),
		log:       logging.Named("worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newPoolMetrics(reg prometheus.Registerer, name string) *poolMetrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"pool": name}
	return &poolMetrics{
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name:        "dial_worker_queue_depth",
			Help:        "Jobs waiting in the worker pool queue",
			ConstLabels: labels,
		}),
		submitted: f.NewCounter(prometheus.CounterOpts{
			Name:        "dial_worker_submitted_total",
			Help:        "Jobs accepted by the worker pool",
			ConstLabels: labels,
		}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "dial_worker_processed_total",
			Help:        "Jobs processed by the worker pool",
			ConstLabels: labels,
		}, []string{"status"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name:        "dial_worker_dropped_total",
			Help:        "Jobs rejected because the queue was full",
			ConstLabels: labels,
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "dial_worker_job_duration_seconds",
			Help:        "Time spent processing one job",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			ConstLabels: labels,
		}),
	}
}

// Submit queues a job without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(job T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.jobs)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is done or the pool stops.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued jobs to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	// Running jobs may still call Submit; they get ErrPoolStopped.
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.jobs),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, job T) {
	start := time.Now()
	err := p.processor(ctx, job)

	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
		p.log.Warn("job failed", zap.String("pool", p.name), zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.processed.WithLabelValues(status).Inc()
		p.metrics.duration.Observe(time.Since(start).Seconds())
		p.metrics.queueDepth.Set(float64(len(p.jobs)))
	}
}
