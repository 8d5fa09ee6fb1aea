package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one leased job. Returning an error hands the job back to
// the queue's retry policy; wrap with Permanent to fail it immediately.
type Handler func(ctx context.Context, job Job) error

type WorkerConfig struct {
	Queue string
	Owner string

	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	JobTimeout   time.Duration

	// Exclusive limits the queue to one in-flight job across all workers.
	Exclusive bool

	// MaintainInterval enables periodic queue maintenance from this worker when > 0.
	MaintainInterval time.Duration
	Maintenance      MaintenancePolicy

	// OnAbandoned runs for every job a maintenance sweep expired or failed
	// without a handler seeing the outcome.
	OnAbandoned func(ctx context.Context, job Job)
}

type Worker struct {
	cfg   WorkerConfig
	queue Queue
	log   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	inflight  atomic.Int64
	completed atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	released  atomic.Uint64
}

func NewWorker(cfg WorkerConfig, queue Queue, log *slog.Logger) (*Worker, error) {
	if queue == nil {
		return nil, fmt.Errorf("%w: nil queue", ErrInvalidConfig)
	}
	if err := ValidateQueueName(cfg.Queue); err != nil {
		return nil, err
	}
	cfg.Owner = strings.TrimSpace(cfg.Owner)
	if cfg.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidConfig)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Exclusive {
		cfg.BatchSize = 1
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.JobTimeout + time.Minute
	}
	if cfg.LeaseTTL <= cfg.JobTimeout {
		return nil, fmt.Errorf("%w: lease ttl must exceed job timeout", ErrInvalidConfig)
	}
	if cfg.Maintenance.Queue == "" {
		cfg.Maintenance.Queue = cfg.Queue
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	return &Worker{
		cfg:    cfg,
		queue:  queue,
		log:    log,
		stopCh: make(chan struct{}),
	}, nil
}

// Stop asks Run to stop taking leases. In-flight jobs finish; leased jobs that
// have not started are released. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run polls the queue until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidConfig)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	var lastMaintain time.Time
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", "queue", w.cfg.Queue, "reason", ctx.Err())
			return nil
		case <-w.stopCh:
			w.log.Info("worker stopping", "queue", w.cfg.Queue, "reason", "stop requested")
			return nil
		case <-timer.C:
		}

		if w.cfg.MaintainInterval > 0 && time.Since(lastMaintain) >= w.cfg.MaintainInterval {
			lastMaintain = time.Now()
			w.maintain(ctx)
		}

		n, err := w.poll(ctx, h)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("lease jobs", "queue", w.cfg.Queue, "err", err)
		}
		if n >= w.cfg.BatchSize && err == nil {
			timer.Reset(0)
			continue
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

// poll leases one batch and runs it to completion. It returns the number of jobs leased.
func (w *Worker) poll(ctx context.Context, h Handler) (int, error) {
	if w.stopping(ctx) {
		return 0, nil
	}
	jobs, err := w.queue.Lease(ctx, w.cfg.Queue, LeaseRequest{
		Owner:     w.cfg.Owner,
		Limit:     w.cfg.BatchSize,
		TTL:       w.cfg.LeaseTTL,
		Exclusive: w.cfg.Exclusive,
	})
	if err != nil {
		return 0, err
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		if w.stopping(ctx) {
			<-sem
			w.release(job)
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.handle(ctx, h, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

func (w *Worker) handle(ctx context.Context, h Handler, job Job) {
	w.inflight.Add(1)
	jobsInflight.WithLabelValues(w.cfg.Queue).Inc()
	defer func() {
		w.inflight.Add(-1)
		jobsInflight.WithLabelValues(w.cfg.Queue).Dec()
	}()

	// In-flight work is never interrupted by shutdown; only JobTimeout bounds it.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := safeInvoke(hctx, h, job)
	jobDuration.WithLabelValues(w.cfg.Queue).Observe(time.Since(start).Seconds())

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()

	if err == nil {
		if _, cerr := w.queue.Complete(sctx, job.ID, w.cfg.Owner); cerr != nil {
			w.log.Error("complete job", "queue", w.cfg.Queue, "job_id", job.ID, "err", cerr)
			return
		}
		w.completed.Add(1)
		jobsProcessed.WithLabelValues(w.cfg.Queue, outcomeCompleted).Inc()
		w.emitMetrics(job, outcomeCompleted)
		return
	}

	updated, ferr := w.queue.Fail(sctx, job.ID, w.cfg.Owner, err)
	if ferr != nil {
		w.log.Error("fail job", "queue", w.cfg.Queue, "job_id", job.ID, "cause", err, "err", ferr)
		return
	}
	if IsDeferred(err) && updated.State == StateRetry {
		w.retried.Add(1)
		jobsProcessed.WithLabelValues(w.cfg.Queue, outcomeDeferred).Inc()
		w.log.Info("job deferred",
			"queue", w.cfg.Queue,
			"job_id", job.ID,
			"start_after", updated.StartAfter,
			"reason", err,
		)
		w.emitMetrics(job, outcomeDeferred)
		return
	}
	outcome := outcomeRetry
	switch updated.State {
	case StateFailed:
		outcome = outcomeFailed
		w.failed.Add(1)
	case StateExpired:
		outcome = outcomeExpired
		w.failed.Add(1)
	default:
		w.retried.Add(1)
	}
	jobsProcessed.WithLabelValues(w.cfg.Queue, outcome).Inc()
	w.log.Warn("job attempt failed",
		"queue", w.cfg.Queue,
		"job_id", job.ID,
		"attempt", job.Attempt(),
		"retry_limit", job.RetryLimit,
		"permanent", IsPermanent(err),
		"state", updated.State.String(),
		"err", err,
	)
	w.emitMetrics(job, outcome)
}

func (w *Worker) release(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.queue.Release(ctx, job.ID, w.cfg.Owner); err != nil {
		w.log.Error("release job", "queue", w.cfg.Queue, "job_id", job.ID, "err", err)
		return
	}
	w.released.Add(1)
	jobsProcessed.WithLabelValues(w.cfg.Queue, outcomeReleased).Inc()
}

func (w *Worker) maintain(ctx context.Context) {
	res, err := w.queue.Maintain(ctx, w.cfg.Maintenance)
	if err != nil {
		w.log.Error("queue maintenance", "err", err)
		return
	}
	observeMaintenance(res)
	if !res.Empty() {
		w.log.Info("queue maintenance",
			"expired", res.Expired,
			"reclaimed", res.Reclaimed,
			"archived", res.Archived,
			"deleted", res.Deleted,
			"abandoned", len(res.Abandoned),
		)
	}
	if w.cfg.OnAbandoned == nil {
		return
	}
	for _, job := range res.Abandoned {
		w.cfg.OnAbandoned(ctx, job)
	}
}

func (w *Worker) emitMetrics(job Job, outcome string) {
	lag := float64(0)
	if !job.CreatedAt.IsZero() {
		if d := time.Since(job.CreatedAt); d > 0 {
			lag = d.Seconds()
		}
	}
	w.log.Info("worker metrics",
		"queue", w.cfg.Queue,
		"outcome", outcome,
		"job_age_seconds", lag,
		"in_flight", w.inflight.Load(),
		"completed_count", w.completed.Load(),
		"retry_count", w.retried.Load(),
		"failed_count", w.failed.Load(),
		"released_count", w.released.Load(),
	)
}

func safeInvoke(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobqueue: handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
