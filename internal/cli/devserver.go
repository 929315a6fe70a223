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

	"github.com/spf13/cobra"

	"github.com/roach88/invsync/internal/devserver"
)

// DevServerOptions holds flags for the devserver command.
type DevServerOptions struct {
	*RootOptions
	Addr      string
	Device    string
	ReplayTTL time.Duration

	// Ready, when set, is called with the bound address (for testing).
	Ready func(addr net.Addr)
}

// NewDevServerCommand creates the devserver command.
func NewDevServerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DevServerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve an in-memory inventory service",
		Long: `Serve the mutation endpoint from memory for local development.

The server applies creates, updates and deletes, answers stale writes with
409 and the server's copy, and drops replays of an Idempotency-Key it has
already answered. State is lost on exit.

Example:
  invsync devserver --addr :8080
  INVSYNC_ENDPOINT=http://localhost:8080 invsync sync`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevServer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&opts.Device, "device", "devserver", "name recorded as modified_by on applied writes")
	cmd.Flags().DurationVar(&opts.ReplayTTL, "replay-ttl", devserver.DefaultReplayTTL, "how long idempotency keys are remembered")

	return cmd
}

func runDevServer(opts *DevServerOptions, cmd *cobra.Command) error {
	if opts.ReplayTTL <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("replay-ttl must be > 0, got %s", opts.ReplayTTL))
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := devserver.New(devserver.WithDevice(opts.Device), devserver.WithReplayTTL(opts.ReplayTTL))

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}

	slog.Info("devserver listening", "addr", ln.Addr().String(), "device", opts.Device)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s. Press Ctrl-C to stop.\n", ln.Addr())
	if opts.Ready != nil {
		opts.Ready(ln.Addr())
	}

	if err := serve(ctx, srv, ln); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "devserver error", err)
	}
	slog.Info("devserver stopped", "applied", len(s.Applied()))
	return nil
}
