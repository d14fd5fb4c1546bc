package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sablesocial/sable/internal/metrics"
)

// Config holds dispatcher tunables.
type Config struct {
	// Workers is the pool size.
	Workers int

	// MaxAttempts is the attempt count after which a job fails terminally.
	MaxAttempts int

	// BackoffBase and BackoffCap parameterize retry delays.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// LeaseTimeout is the visibility timeout for claimed jobs; it also
	// bounds a single handler invocation.
	LeaseTimeout time.Duration

	// ClaimInterval is how long an idle worker waits before polling again.
	ClaimInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Hour
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = time.Second
	}
}

// Dispatcher runs a fixed pool of workers draining a Queue. Handler panics
// are isolated per job; a panicking handler counts as a failed attempt and
// never kills the worker loop.
type Dispatcher struct {
	cfg      Config
	queue    Queue
	handlers map[string]HandlerFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over queue.
func NewDispatcher(cfg Config, queue Queue, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		handlers: make(map[string]HandlerFunc),
		metrics:  m,
		logger:   logger,
	}
}

// Register installs the handler for a job kind. Must be called before Start.
func (d *Dispatcher) Register(kind string, h HandlerFunc) {
	d.handlers[kind] = h
}

// Enqueue adds a job to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, j *Job) error {
	if _, ok := d.handlers[j.Kind]; !ok {
		return fmt.Errorf("job: no handler registered for kind %q", j.Kind)
	}
	if err := d.queue.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("enqueue %s job: %w", j.Kind, err)
	}
	d.metrics.JobsEnqueued.WithLabelValues(j.Kind).Inc()
	return nil
}

// Start launches the worker pool and the lease reaper. It returns
// immediately; call Wait (or cancel ctx and then Wait) to join.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting job dispatcher", "workers", d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func(worker int) {
			defer d.wg.Done()
			d.runWorker(ctx, worker)
		}(i)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runReaper(ctx)
	}()
}

// Wait blocks until all workers have exited after context cancellation.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		j, err := d.queue.Claim(ctx, d.cfg.LeaseTimeout)
		if err != nil {
			d.logger.Error("claim failed", "worker", worker, "error", err)
			j = nil
		}

		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.ClaimInterval):
			}
			continue
		}

		d.process(ctx, j)
	}
}

func (d *Dispatcher) process(ctx context.Context, j *Job) {
	handler, ok := d.handlers[j.Kind]
	if !ok {
		d.logger.Error("no handler for job kind", "kind", j.Kind, "job_id", j.ID)
		d.finalize(j, fmt.Errorf("no handler for kind %q", j.Kind))
		return
	}

	j.Attempts++

	// The handler gets its own deadline inside the lease so a hung handler
	// cannot outlive its claim.
	handlerCtx, cancel := context.WithTimeout(ctx, d.cfg.LeaseTimeout)
	err := d.invoke(handlerCtx, handler, j)
	cancel()

	if err == nil {
		if cerr := d.queue.Complete(context.Background(), j.ID); cerr != nil {
			d.logger.Error("complete failed", "job_id", j.ID, "error", cerr)
		}
		d.metrics.JobsProcessed.WithLabelValues(j.Kind, "completed").Inc()
		d.logger.Debug("job completed", "kind", j.Kind, "job_id", j.ID, "attempts", j.Attempts)
		return
	}

	if IsPermanent(err) || j.Attempts >= d.cfg.MaxAttempts {
		d.finalize(j, err)
		return
	}

	delay := Backoff(d.cfg.BackoffBase, d.cfg.BackoffCap, j.Attempts)
	runAfter := time.Now().UTC().Add(delay)
	if rerr := d.queue.Retry(context.Background(), j.ID, j.Attempts, runAfter, err.Error()); rerr != nil {
		d.logger.Error("retry scheduling failed", "job_id", j.ID, "error", rerr)
		return
	}
	d.metrics.JobsProcessed.WithLabelValues(j.Kind, "retried").Inc()
	d.logger.Warn("job failed, retrying",
		"kind", j.Kind,
		"job_id", j.ID,
		"attempts", j.Attempts,
		"retry_in", delay,
		"error", err,
	)
}

// invoke runs the handler, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, j)
}

// finalize marks a job terminally failed and reports it.
func (d *Dispatcher) finalize(j *Job, err error) {
	if ferr := d.queue.Fail(context.Background(), j.ID, err.Error()); ferr != nil {
		d.logger.Error("fail transition failed", "job_id", j.ID, "error", ferr)
		return
	}
	d.metrics.JobsProcessed.WithLabelValues(j.Kind, "failed").Inc()
	d.logger.Error("job failed terminally",
		"kind", j.Kind,
		"job_id", j.ID,
		"attempts", j.Attempts,
		"error", err,
	)
}

// runReaper periodically reclaims expired leases and refreshes the queue
// depth gauge.
func (d *Dispatcher) runReaper(ctx context.Context) {
	interval := d.cfg.LeaseTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := d.queue.ReapExpired(ctx)
			if err != nil {
				d.logger.Error("lease reap failed", "error", err)
			} else if reclaimed > 0 {
				d.metrics.JobsReclaimed.Add(float64(reclaimed))
				d.logger.Warn("reclaimed jobs with expired leases", "count", reclaimed)
			}

			if depth, err := d.queue.Depth(ctx); err == nil {
				d.metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}
