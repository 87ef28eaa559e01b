// Package cli wires the chat fleet's processes: the worker that serves
// WebSocket clients, the job worker, the load balancer, and the
// supervisor that keeps a local fleet of workers alive.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ggoodman/chatfanout/internal/config"
	"github.com/ggoodman/chatfanout/internal/logctx"
	"github.com/ggoodman/chatfanout/internal/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 15 * time.Second

// app is what every command shares once the root command has loaded the
// configuration.
type app struct {
	envFile string
	cfg     *config.Config
	log     *slog.Logger
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chatfleet",
		Short:         "Horizontally scalable real-time chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file read before the environment (missing file is ignored)")

	root.AddCommand(
		buildServeCommand(a),
		buildJobsCommand(a),
		buildBalancerCommand(a),
		buildSupervisorCommand(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return err
	}
	lvl, _ := cfg.Level()
	h := slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})
	a.cfg = cfg
	a.log = logctx.Wrap(slog.New(h))
	slog.SetDefault(a.log)
	return nil
}

func (a *app) collector() *metrics.Collector {
	if !a.cfg.MetricsEnabled {
		return nil
	}
	return metrics.NewCollector()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// serveHTTP runs h on port until ctx is cancelled, then drains in-flight
// requests.
func serveHTTP(ctx context.Context, log *slog.Logger, name string, port int, h http.Handler) error {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", name, addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	log.InfoContext(ctx, "http.listen", slog.String("server", name), slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s serve: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
