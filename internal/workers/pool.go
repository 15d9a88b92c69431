// Package workers provides a bounded goroutine pool for message processing.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Errors
var (
	ErrPoolStopped     = errors.New("pool is stopped")
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// PanicError represents a recovered panic
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration // zero disables the per-task deadline
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1000,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	TasksRejected  int64         `json:"tasks_rejected"`
	PanicRecovered int64         `json:"panic_recovered"`
	QueueLength    int           `json:"queue_length"`
	P99Latency     time.Duration `json:"p99_latency"`
	Uptime         time.Duration `json:"uptime"`
}

const latencyWindow = 1024

// Pool manages a fixed set of worker goroutines fed by a bounded queue
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64

	latencyMu  sync.Mutex
	latencies  []int64
	latencyIdx int
	startTime  time.Time
}

// NewPool creates a new worker pool. Call Start before submitting.
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	defaults := DefaultPoolConfig(config.Name)
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger.Named("pool").With(zap.String("pool", config.Name)),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		latencies: make([]int64, 0, latencyWindow),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.startTime = time.Now()

	p.logger.Info("starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.execute(logger, task)
		}
	}
}

func (p *Pool) execute(logger *zap.Logger, task Task) {
	start := time.Now()

	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.config.TaskTimeout)
		defer cancel()
	}

	err := p.safeExecute(ctx, logger, task)
	p.recordLatency(time.Since(start).Nanoseconds())

	switch {
	case err == nil:
		p.completed.Add(1)
	case errors.Is(err, context.DeadlineExceeded):
		p.timedOut.Add(1)
		logger.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	default:
		p.failed.Add(1)
		logger.Debug("task failed", zap.Error(err))
	}
}

func (p *Pool) safeExecute(ctx context.Context, logger *zap.Logger, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			logger.Error("worker recovered from panic", zap.Any("panic", r))
			err = &PanicError{Recovered: r}
		}
	}()
	return task.Execute(ctx)
}

// SubmitContext queues a task, waiting for queue space until ctx is done
func (p *Pool) SubmitContext(ctx context.Context, task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Stop cancels running tasks and waits for the workers to exit. Queued
// tasks that have not started are discarded.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.logger.Info("stopping worker pool", zap.Int("queued", len(p.taskQueue)))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

func (p *Pool) recordLatency(ns int64) {
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	if len(p.latencies) < latencyWindow {
		p.latencies = append(p.latencies, ns)
		return
	}
	p.latencies[p.latencyIdx] = ns
	p.latencyIdx = (p.latencyIdx + 1) % latencyWindow
}

func (p *Pool) p99Latency() time.Duration {
	p.latencyMu.Lock()
	sorted := make([]int64, len(p.latencies))
	copy(sorted, p.latencies)
	p.latencyMu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx])
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	var uptime time.Duration
	if !p.startTime.IsZero() {
		uptime = time.Since(p.startTime)
	}
	return PoolStats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksTimeout:   p.timedOut.Load(),
		TasksRejected:  p.rejected.Load(),
		PanicRecovered: p.panics.Load(),
		QueueLength:    len(p.taskQueue),
		P99Latency:     p.p99Latency(),
		Uptime:         uptime,
	}
}
