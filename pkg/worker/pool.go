package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/devicegate/metric"
)

// Pool runs processor on submitted items using a fixed number of workers.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	logger   *slog.Logger
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics named <prefix>_*. A nil
// registry disables metrics.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithLogger sets the logger used to report processing failures.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 4 workers and a
// queue of 256.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		p.metrics = p.newMetrics()
	}
	return p, nil
}

func (p *Pool[T]) newMetrics() *poolMetrics {
	prefix := p.metricsPrefix
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the worker pool queue",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Items accepted by the worker pool",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Items processed by the worker pool",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Items whose processing returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Items dropped because the queue was full",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing one item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	const service = "worker_pool"
	for name, err := range map[string]error{
		"queue_depth":     p.metricsRegistry.RegisterGauge(service, prefix+"_queue_depth", m.queueDepth),
		"submitted_total": p.metricsRegistry.RegisterCounter(service, prefix+"_submitted_total", m.submitted),
		"processed_total": p.metricsRegistry.RegisterCounter(service, prefix+"_processed_total", m.processed),
		"failed_total":    p.metricsRegistry.RegisterCounter(service, prefix+"_failed_total", m.failed),
		"dropped_total":   p.metricsRegistry.RegisterCounter(service, prefix+"_dropped_total", m.dropped),
		"duration":        p.metricsRegistry.RegisterHistogramVec(service, prefix+"_processing_duration_seconds", m.processingTime),
	} {
		if err != nil {
			p.logger.Warn("worker pool metric not registered", "prefix", prefix, "metric", name, "error", err)
		}
	}
	return m
}

// Submit queues work without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
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

// Start launches the workers. They exit when ctx is done or Stop is called.
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

// Stop closes the queue and waits up to timeout for queued items to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
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

// PoolStats is a point-in-time view of pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
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
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	start := time.Now()
	err := p.processor(ctx, work)
	elapsed := time.Since(start)

	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
		p.logger.Debug("worker pool item failed", "prefix", p.metricsPrefix, "error", err)
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		if err != nil {
			p.metrics.failed.Inc()
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(elapsed.Seconds())
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}
