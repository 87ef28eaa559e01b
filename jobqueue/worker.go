package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ggoodman/chatfanout/internal/logctx"
)

// HandlerFunc executes one attempt of a job. Returning nil completes the
// job; an error schedules a retry unless attempts are exhausted or the error
// is Permanent. ctx is cancelled if the lease is lost mid-run.
type HandlerFunc func(ctx context.Context, job *Job) error

// Events observe job lifecycle transitions made by a Worker. Any field may
// be nil. They run after the built-in logging and metrics hooks.
type Events struct {
	OnActive    func(ctx context.Context, job *Job)
	OnCompleted func(ctx context.Context, job *Job, elapsed time.Duration)
	OnRetry     func(ctx context.Context, job *Job, err error, delay time.Duration)
	OnFailed    func(ctx context.Context, job *Job, err error)
}

// WorkerConfig sizes a Worker. Zero fields take defaults.
type WorkerConfig struct {
	// ID identifies this worker in leases. Default: "<hostname>-<pid>".
	ID string
	// Concurrency is the number of jobs executed in parallel. Default 4.
	Concurrency int
	// Lease is how long a claimed job stays reserved without a heartbeat.
	// Heartbeats run every Lease/3. Default 30s.
	Lease time.Duration
	// PollInterval is the wait after finding the queue empty. Default 500ms.
	PollInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ID == "" {
		host, _ := os.Hostname()
		c.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Worker executes the jobs of one queue with handlers registered per job
// type.
type Worker struct {
	queue  string
	store  Store
	cfg    WorkerConfig
	events Events
	settings

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewWorker(queue string, store Store, cfg WorkerConfig, opts ...Option) *Worker {
	return &Worker{
		queue:    queue,
		store:    store,
		cfg:      cfg.withDefaults(),
		settings: newSettings(opts),
		handlers: make(map[string]HandlerFunc),
	}
}

func (w *Worker) Queue() string { return w.queue }

// Handle registers h for jobType, replacing any previous handler.
func (w *Worker) Handle(jobType string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// SetEvents installs lifecycle observers. Call before Run.
func (w *Worker) SetEvents(e Events) { w.events = e }

func (w *Worker) handler(jobType string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Run processes jobs until ctx is cancelled. Jobs already executing are
// allowed to finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "job.worker.start",
		slog.String("queue", w.queue),
		slog.String("worker_id", w.cfg.ID),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("lease", w.cfg.Lease),
	)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	w.log.InfoContext(ctx, "job.worker.stop", slog.String("queue", w.queue), slog.String("worker_id", w.cfg.ID))
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		ran, err := w.ProcessOne(ctx)
		if err != nil {
			w.log.WarnContext(ctx, "job.claim.fail", slog.String("queue", w.queue), slog.String("err", err.Error()))
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and executes at most one due job. ran is false when the
// queue had nothing due.
func (w *Worker) ProcessOne(ctx context.Context) (ran bool, err error) {
	job, expired, err := w.store.Claim(ctx, w.queue, w.cfg.ID, w.cfg.Lease)
	for _, j := range expired {
		w.onFailed(jobContext(ctx, j), j, ErrLeaseExpired)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	// Shutdown must not abandon an attempt halfway; only a lost lease
	// cancels the handler.
	base := jobContext(ctx, job)
	w.onActive(base, job)

	h, ok := w.handler(job.Type)
	if !ok {
		w.fail(base, job, fmt.Errorf("%w: %s", ErrNoHandler, job.Type))
		return
	}

	hctx, cancel := context.WithCancelCause(base)
	stop := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(hctx, job, stop, cancel)
	}()

	start := w.now()
	err := h(hctx, job)
	elapsed := w.now().Sub(start)
	close(stop)
	hb.Wait()

	if errors.Is(context.Cause(hctx), ErrLeaseLost) {
		w.log.WarnContext(base, "job.lease.lost", slog.String("worker_id", w.cfg.ID))
		cancel(nil)
		return
	}
	cancel(nil)

	switch {
	case err == nil:
		if terr := w.store.Complete(base, job.Queue, job.ID, job.LeaseToken); terr != nil {
			w.transitionFailed(base, "complete", terr)
			return
		}
		job.State = StateCompleted
		w.onCompleted(base, job, elapsed)
	case IsPermanent(err) || job.Exhausted():
		w.fail(base, job, err)
	default:
		delay := job.Backoff.After(job.Attempts)
		runAt := w.now().Add(delay)
		if terr := w.store.Retry(base, job.Queue, job.ID, job.LeaseToken, runAt, err.Error()); terr != nil {
			w.transitionFailed(base, "retry", terr)
			return
		}
		job.State = StateQueued
		job.LastError = err.Error()
		job.RunAt = runAt
		w.onRetry(base, job, err, delay)
	}
}

// jobContext detaches ctx from cancellation and tags it with job.
func jobContext(ctx context.Context, job *Job) context.Context {
	return logctx.WithJobData(context.WithoutCancel(ctx), &logctx.JobData{
		JobID:   job.ID,
		Queue:   job.Queue,
		Type:    job.Type,
		Attempt: job.Attempts,
	})
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error) {
	if err := w.store.Fail(ctx, job.Queue, job.ID, job.LeaseToken, cause.Error()); err != nil {
		w.transitionFailed(ctx, "fail", err)
		return
	}
	job.State = StateFailed
	job.LastError = cause.Error()
	w.onFailed(ctx, job, cause)
}

func (w *Worker) transitionFailed(ctx context.Context, op string, err error) {
	if errors.Is(err, ErrLeaseLost) {
		w.log.WarnContext(ctx, "job.lease.lost", slog.String("op", op))
		return
	}
	w.log.ErrorContext(ctx, "job.transition.fail", slog.String("op", op), slog.String("err", err.Error()))
}

func (w *Worker) heartbeat(ctx context.Context, job *Job, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	t := time.NewTicker(w.cfg.Lease / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			err := w.store.Extend(ctx, job.Queue, job.ID, job.LeaseToken, w.cfg.Lease)
			if errors.Is(err, ErrLeaseLost) {
				cancel(ErrLeaseLost)
				return
			}
			if err != nil {
				w.log.WarnContext(ctx, "job.heartbeat.fail", slog.String("err", err.Error()))
			}
		}
	}
}

func (w *Worker) onActive(ctx context.Context, job *Job) {
	w.log.DebugContext(ctx, "job.active", slog.String("worker_id", w.cfg.ID))
	if w.events.OnActive != nil {
		w.events.OnActive(ctx, job)
	}
}

func (w *Worker) onCompleted(ctx context.Context, job *Job, elapsed time.Duration) {
	w.metrics.JobCompleted(job.Queue, elapsed.Seconds())
	w.log.InfoContext(ctx, "job.completed", slog.Duration("elapsed", elapsed))
	if w.events.OnCompleted != nil {
		w.events.OnCompleted(ctx, job, elapsed)
	}
}

func (w *Worker) onRetry(ctx context.Context, job *Job, err error, delay time.Duration) {
	w.metrics.JobRetried(job.Queue)
	w.log.WarnContext(ctx, "job.retry", slog.String("err", err.Error()), slog.Duration("delay", delay))
	if w.events.OnRetry != nil {
		w.events.OnRetry(ctx, job, err, delay)
	}
}

func (w *Worker) onFailed(ctx context.Context, job *Job, err error) {
	w.metrics.JobFailed(job.Queue)
	w.log.ErrorContext(ctx, "job.failed", slog.String("err", err.Error()), slog.Int("attempts", job.Attempts))
	if w.events.OnFailed != nil {
		w.events.OnFailed(ctx, job, err)
	}
}
