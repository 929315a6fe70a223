package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/invsync/internal/syncer"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Timeout time.Duration
}

// SyncResult is the JSON payload of the sync command.
type SyncResult struct {
	Outcome syncer.Outcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once",
		Long: `Dispatch every pending mutation to the remote, in queue order.

Transient failures are retried with exponential backoff. Version conflicts
are resolved with the configured strategy; conflicts that need a person stay
in the queue as conflicted.

Exit codes:
  0 - Run finished (some mutations may need attention)
  1 - Run stopped early (offline, cancelled, queue write failed)
  2 - Command error (bad config, no endpoint, etc.)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "give up after this long (0 waits for the run)")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	if err := requireEndpoint(cfg); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	e, err := openEngine(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	e.probe(ctx)
	out, syncErr := e.coord.Sync(ctx)

	f := newFormatter(opts.RootOptions, cmd)
	if f.JSON() {
		res := SyncResult{Outcome: out}
		if syncErr != nil {
			res.Error = syncErr.Error()
			res.Code = errorCode(syncErr)
		}
		if err := f.Success(res); err != nil {
			return err
		}
	} else {
		printOutcome(f, out)
	}

	if syncErr != nil {
		return WrapExitError(ExitFailure, "sync stopped", syncErr)
	}
	return nil
}

func printOutcome(f *OutputFormatter, out syncer.Outcome) {
	if out.RunID == "" {
		return
	}
	f.Printf("Sync %s: %d completed, %d failed, %d conflicted, %d resolved\n",
		out.RunID, out.Completed, out.Failed, out.Conflicted, out.Resolved)
	if out.Stopped {
		f.Printf("Stopped early: %d still queued\n", out.Remaining)
	} else if out.Remaining > 0 {
		f.Printf("%d still queued\n", out.Remaining)
	}
	f.VerboseLog("run took %s", out.Duration().Round(time.Millisecond))
}

// errorCode returns the SyncError code of err, or "" for other errors.
func errorCode(err error) string {
	var se *syncer.SyncError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return ""
}
