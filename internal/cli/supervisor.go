package cli

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ggoodman/chatfanout/supervisor"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func buildSupervisorCommand(a *app) *cobra.Command {
	var (
		workers   int
		basePort  int
		adminPort int
	)
	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Run a fleet of worker instances on this host and replace any that exit",
		Long: `Start CLUSTER_WORKERS copies of "serve", worker i on port PORT+i with
SERVER_ID worker_<i+1>. A worker that exits is replaced on the same port
under a fresh SERVER_ID.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			if f.Changed("workers") {
				a.cfg.Supervisor.Workers = workers
			}
			if f.Changed("base-port") {
				a.cfg.Worker.Port = basePort
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runSupervisor(ctx, a, adminPort)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "fleet size (overrides CLUSTER_WORKERS)")
	cmd.Flags().IntVar(&basePort, "base-port", 0, "port of the first worker (overrides PORT)")
	cmd.Flags().IntVar(&adminPort, "admin-port", 0, "port for /workers and /metrics (0 disables)")
	return cmd
}

func runSupervisor(ctx context.Context, a *app, adminPort int) error {
	launcher, err := supervisor.SelfLauncher("serve", "--env-file", a.envFile)
	if err != nil {
		return err
	}
	m := a.collector()
	sup := supervisor.New(launcher, supervisor.Config{
		Workers:  a.cfg.Supervisor.Workers,
		BasePort: a.cfg.Worker.Port,
	}, supervisor.WithLogger(a.log), supervisor.WithMetrics(m))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	if adminPort > 0 {
		r := chi.NewRouter()
		r.Get("/workers", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"workers": sup.Workers()})
		})
		if m != nil {
			r.Method(http.MethodGet, "/metrics", m.Handler())
		}
		g.Go(func() error { return serveHTTP(gctx, a.log, "supervisor", adminPort, r) })
	}
	return g.Wait()
}
