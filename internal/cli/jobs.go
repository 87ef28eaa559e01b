package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/chatfanout/internal/metrics"
	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/jobs"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func buildJobsCommand(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run job workers for the messages and notifications queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runJobs(ctx, a, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 9100, "port for /health and /metrics (0 disables)")
	cmd.AddCommand(buildFailedCommand(a))
	return cmd
}

func buildFailedCommand(a *app) *cobra.Command {
	var (
		queue string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List jobs that exhausted their attempts, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch queue {
			case jobqueue.QueueMessages, jobqueue.QueueNotifications:
			default:
				return fmt.Errorf("unknown queue %q", queue)
			}
			be, err := openBackends(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			defer be.close()
			failed, err := be.jobs.Failed(cmd.Context(), queue, limit)
			if err != nil {
				return err
			}
			if failed == nil {
				failed = []*jobqueue.Job{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(failed)
		},
	}
	cmd.Flags().StringVar(&queue, "queue", jobqueue.QueueMessages, "queue to inspect (messages|notifications)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to list")
	return cmd
}

// newJobWorkers builds one worker per queue with the chat handlers bound.
func newJobWorkers(ctx context.Context, a *app, s jobqueue.Store, log *slog.Logger, m *metrics.Collector) ([]*jobqueue.Worker, error) {
	st, err := openStore(ctx, a.cfg, log)
	if err != nil {
		return nil, err
	}
	wc := jobqueue.WorkerConfig{
		ID:           a.cfg.Worker.ServerID,
		Concurrency:  a.cfg.Jobs.Concurrency,
		Lease:        a.cfg.Jobs.Lease,
		PollInterval: a.cfg.Jobs.PollInterval,
	}
	opts := []jobqueue.Option{jobqueue.WithLogger(log), jobqueue.WithMetrics(m)}
	messages := jobqueue.NewWorker(jobqueue.QueueMessages, s, wc, opts...)
	notifications := jobqueue.NewWorker(jobqueue.QueueNotifications, s, wc, opts...)
	jobs.Register(messages, notifications, jobs.NewHandlers(st, newNotifier(a.cfg, log), log))
	return []*jobqueue.Worker{messages, notifications}, nil
}

func runJobs(ctx context.Context, a *app, port int) error {
	log, m := a.log, a.collector()
	be, err := openBackends(ctx, a.cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	workers, err := newJobWorkers(ctx, a, be.jobs, log, m)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	if port > 0 {
		g.Go(func() error {
			return serveHTTP(gctx, log, "jobs", port, jobsHandler(be.jobs, m))
		})
	}
	return g.Wait()
}

// jobsHandler reports queue depth on /health and serves /metrics.
func jobsHandler(s jobqueue.Store, m *metrics.Collector) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		queues := map[string]jobqueue.Stats{}
		var errs []error
		for _, q := range []string{jobqueue.QueueMessages, jobqueue.QueueNotifications} {
			st, err := s.Stats(ctx, q)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			queues[q] = st
		}
		body := map[string]any{"status": "OK", "timestamp": time.Now().UTC(), "queues": queues}
		status := http.StatusOK
		if err := errors.Join(errs...); err != nil {
			body["status"], body["error"] = "UNAVAILABLE", err.Error()
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	return r
}
