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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/invsync/internal/metrics"
	"github.com/roach88/invsync/internal/syncer"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string

	// Ready, when set, is called once the coordinator is running (for
	// testing).
	Ready func(addr net.Addr)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until stopped",
		Long: `Start the sync coordinator and keep the queue drained.

A sync runs at startup, whenever connectivity comes back, whenever a change
is queued, and every sync.interval when one is configured. The connectivity
monitor probes probe.target every probe.interval; without a target the
network is assumed reachable.

Example:
  invsync run --config invsync.yaml
  invsync run --metrics-addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runCoordinator(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	if err := requireEndpoint(cfg); err != nil {
		return err
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var collector *metrics.Collector
	var reg *prometheus.Registry
	if opts.MetricsAddr != "" {
		collector = metrics.New()
		reg = prometheus.NewRegistry()
		if err := collector.Register(reg); err != nil {
			return WrapExitError(ExitCommandError, "failed to register metrics", err)
		}
	}

	e, err := openEngine(ctx, opts.RootOptions, syncer.WithMetrics(collector))
	if err != nil {
		return err
	}
	defer e.Close()

	g, gctx := errgroup.WithContext(ctx)

	var addr net.Addr
	if reg != nil {
		ln, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		addr = ln.Addr()
		srv := &http.Server{Handler: metricsRouter(reg), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serve(gctx, srv, ln) })
		slog.Info("serving metrics", "addr", addr.String())
	}

	if prober := e.cfg.Prober(); prober != nil {
		g.Go(func() error { return e.monitor.Run(gctx, prober, e.cfg.Probe.Interval) })
	} else {
		e.monitor.SetOnline()
	}
	g.Go(func() error { return e.coord.Run(gctx) })

	fmt.Fprintf(cmd.OutOrStdout(), "Sync coordinator started (%s queued). Press Ctrl-C to stop.\n", e.queue.Summary())
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "coordinator error", err)
	}

	slog.Info("coordinator stopped gracefully")
	return nil
}

func metricsRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// serve runs srv on ln until ctx is done, then shuts it down.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
