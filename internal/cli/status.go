package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/snapshot"
	"github.com/roach88/invsync/internal/syncer"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	List   bool
	Filter string
}

// StatusResult is the JSON payload of the status command.
type StatusResult struct {
	Report  syncer.Report    `json:"report"`
	Badge   string           `json:"badge"`
	Entries []snapshot.Entry `json:"entries,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and last sync",
		Long: `Show how many mutations are queued, how many need attention and
when the queue was last drained.

Examples:
  invsync status
  invsync status --list
  invsync status --list --status conflicted`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.List, "list", "l", false, "list queued mutations")
	cmd.Flags().StringVar(&opts.Filter, "status", "", "only list mutations with this status")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	var filter mutation.Status
	if opts.Filter != "" {
		filter = mutation.Status(opts.Filter)
		if !filter.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", opts.Filter))
		}
	}

	e, err := openEngine(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.cfg.Remote.Endpoint != "" {
		e.probe(cmd.Context())
	}
	report, err := e.coord.Status(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read status", err)
	}

	var entries []mutation.Mutation
	if opts.List || filter != "" {
		if filter != "" {
			entries = e.queue.ListByStatus(filter)
		} else {
			entries = e.queue.List()
		}
	}

	f := newFormatter(opts.RootOptions, cmd)
	if f.JSON() {
		res := StatusResult{Report: report, Badge: report.Queue.String()}
		for _, m := range entries {
			res.Entries = append(res.Entries, snapshot.EntryFrom(m))
		}
		return f.Success(res)
	}

	w := f.Writer
	fmt.Fprintln(w, report.Queue.String())
	fmt.Fprintf(w, "Pending: %d  In flight: %d  Conflicted: %d  Failed: %d\n",
		report.Queue.Pending, report.Queue.InFlight, report.Queue.Conflicted, report.Queue.Failed)
	online := "offline"
	if report.Online {
		online = "online"
	}
	if e.cfg.Remote.Endpoint == "" {
		online = "no endpoint configured"
	}
	fmt.Fprintf(w, "Remote: %s\n", online)
	if report.LastSync.IsZero() {
		fmt.Fprintln(w, "Last sync: never")
	} else {
		fmt.Fprintf(w, "Last sync: %s\n", report.LastSync.Local().Format(time.RFC3339))
	}

	if len(entries) > 0 {
		fmt.Fprintln(w)
		printEntries(w, entries)
	}
	return nil
}

// printEntries writes one aligned row per mutation.
func printEntries(w io.Writer, ms []mutation.Mutation) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tKIND\tENTITY\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, m := range ms {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s/%s\t%s\t%d\t%s\n",
			m.Seq, m.ID, m.Kind, m.EntityType, m.EntityID, m.Status, m.AttemptCount, truncate(m.LastError, 60))
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
