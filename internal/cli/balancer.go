package cli

import (
	"context"
	"net/http"

	"github.com/ggoodman/chatfanout/balancer"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func buildBalancerCommand(a *app) *cobra.Command {
	var (
		port      int
		instances []string
		file      string
	)
	cmd := &cobra.Command{
		Use:   "balancer",
		Short: "Run the load balancer in front of the worker instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			if f.Changed("port") {
				a.cfg.Balancer.Port = port
			}
			if f.Changed("backends-file") {
				a.cfg.Balancer.BackendsFile = file
			}
			addrs := a.cfg.Instances()
			if f.Changed("instances") {
				addrs = instances
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runBalancer(ctx, a, addrs)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides LOAD_BALANCER_PORT)")
	cmd.Flags().StringSliceVar(&instances, "instances", nil, "backend ports or URLs (overrides SERVER_INSTANCES)")
	cmd.Flags().StringVar(&file, "backends-file", "", "YAML file with the backend list, watched for changes (overrides BACKENDS_FILE)")
	return cmd
}

func runBalancer(ctx context.Context, a *app, addrs []string) error {
	cfg, log, m := a.cfg.Balancer, a.log, a.collector()
	if cfg.BackendsFile != "" {
		loaded, err := balancer.LoadFile(cfg.BackendsFile)
		if err != nil {
			return err
		}
		addrs = loaded
	}
	lb, err := balancer.New(addrs,
		balancer.WithLogger(log),
		balancer.WithMetrics(m),
		balancer.WithInterval(cfg.Interval),
		balancer.WithTimeout(cfg.Timeout),
	)
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = m.Handler()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lb.Run(gctx) })
	if cfg.BackendsFile != "" {
		g.Go(func() error { return lb.WatchFile(gctx, cfg.BackendsFile) })
	}
	g.Go(func() error {
		return serveHTTP(gctx, log, "balancer", cfg.Port, lb.Handler(metricsHandler))
	})
	return g.Wait()
}
