package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/chatfanout/delivery"
	"github.com/ggoodman/chatfanout/gateway"
	"github.com/ggoodman/chatfanout/jobqueue"
	"github.com/ggoodman/chatfanout/registry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func buildServeCommand(a *app) *cobra.Command {
	var (
		port     int
		serverID string
		runJobs  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a chat worker instance",
		Long: `Run one worker instance: the WebSocket gateway, the connection registry,
and the delivery pipeline. Job workers run in-process unless RUN_JOB_WORKERS
is false.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			if f.Changed("port") {
				a.cfg.Worker.Port = port
			}
			if f.Changed("server-id") {
				a.cfg.Worker.ServerID = serverID
			}
			if f.Changed("jobs") {
				a.cfg.Worker.RunJobWorkers = runJobs
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runServe(ctx, a)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORT)")
	cmd.Flags().StringVar(&serverID, "server-id", "", "instance identity (overrides SERVER_ID)")
	cmd.Flags().BoolVar(&runJobs, "jobs", true, "run job workers in-process (overrides RUN_JOB_WORKERS)")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.log.With(slog.String("server_id", a.cfg.Worker.ServerID))
	m := a.collector()

	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	var workers []*jobqueue.Worker
	if cfg.Worker.RunJobWorkers {
		if workers, err = newJobWorkers(ctx, a, be.jobs, log, m); err != nil {
			return err
		}
	}

	reg := registry.New(cfg.Worker.ServerID, be.bus,
		registry.WithLogger(log),
		registry.WithMetrics(m),
		registry.WithPresence(be.presence),
	)
	defer reg.Close()

	messages, notifications := newQueues(be.jobs, cfg, jobqueue.WithLogger(log), jobqueue.WithMetrics(m))
	pipe := delivery.New(reg, messages, notifications, delivery.WithLogger(log))

	opts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithMetrics(m),
		gateway.WithAllowedOrigins(cfg.AllowedOrigins()),
	}
	if authn != nil {
		opts = append(opts, gateway.WithAuthenticator(authn))
	}
	srv := gateway.New(reg, pipe, opts...)

	log.InfoContext(ctx, "worker.start",
		slog.Int("port", cfg.Worker.Port),
		slog.String("backend", be.driver),
		slog.Bool("auth", authn != nil),
		slog.Int("job_workers", len(workers)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, log, "gateway", cfg.Worker.Port, srv.Handler())
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(sctx), pipe.Close(sctx))
	})
	g.Go(func() error { return reg.MaintainPresence(gctx, presenceInterval) })
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	err = g.Wait()
	log.Info("worker.stop")
	return err
}
