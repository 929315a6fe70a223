package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/queue"
	"github.com/roach88/invsync/internal/snapshot"
)

// InspectResult is the JSON payload of the inspect command.
type InspectResult struct {
	Mutation  snapshot.Entry            `json:"mutation"`
	Conflicts []mutation.ConflictRecord `json:"conflicts,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <mutation-id>",
		Short: "Show one queued mutation and its conflicts",
		Long: `Show a queued mutation: its payload, attempts, last error and, when
it is conflicted, the server's copy and the field-level differences.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], cmd)
		},
	}
}

func runInspect(opts *RootOptions, id string, cmd *cobra.Command) error {
	e, err := openEngine(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer e.Close()

	m, ok := e.queue.Get(id)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("mutation %s is not queued", id))
	}
	recs, err := e.store.ReadConflicts(cmd.Context(), id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read conflicts", err)
	}

	f := newFormatter(opts, cmd)
	if f.JSON() {
		return f.Success(InspectResult{Mutation: snapshot.EntryFrom(m), Conflicts: recs})
	}

	w := f.Writer
	fmt.Fprintf(w, "Mutation %s\n", m.ID)
	fmt.Fprintf(w, "  Entity:   %s/%s\n", m.EntityType, m.EntityID)
	fmt.Fprintf(w, "  Kind:     %s\n", m.Kind)
	fmt.Fprintf(w, "  Status:   %s\n", m.Status)
	fmt.Fprintf(w, "  Seq:      %d\n", m.Seq)
	fmt.Fprintf(w, "  Attempts: %d\n", m.AttemptCount)
	fmt.Fprintf(w, "  Created:  %s\n", m.CreatedAt.Format(time.RFC3339))
	if m.ManualMerge {
		fmt.Fprintln(w, "  Manual merge requested")
	}
	if m.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s\n", m.LastError)
	}
	if len(m.Payload) > 0 {
		fmt.Fprintf(w, "  Payload:  %s\n", m.Payload)
	}
	if m.Server != nil {
		fmt.Fprintf(w, "  Server copy (modified %s by %s):\n", m.Server.ModifiedAt.Format(time.RFC3339), orDash(m.Server.ModifiedBy))
		if m.Server.Deleted {
			fmt.Fprintln(w, "    deleted")
		} else {
			fmt.Fprintf(w, "    %s\n", m.Server.Payload)
		}
	}
	for _, rec := range recs {
		printConflict(w, rec)
	}
	return nil
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <mutation-id>",
		Short: "Retry a failed or conflicted mutation",
		Long: `Make a failed or conflicted mutation pending again with a fresh
attempt counter. The next sync dispatches it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeMutation(rootOpts, cmd, args[0], "reset", (*queue.Queue).Reset)
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Drop a mutation without sending it",
		Long: `Remove a mutation from the queue. The local change it carried is
never sent. In-flight mutations cannot be discarded.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeMutation(rootOpts, cmd, args[0], "discard", (*queue.Queue).Discard)
		},
	}
}

type queueChange func(q *queue.Queue, ctx context.Context, id string) (mutation.Mutation, error)

func changeMutation(opts *RootOptions, cmd *cobra.Command, id, verb string, change queueChange) error {
	e, err := openEngine(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := change(e.queue, cmd.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to %s", verb), err)
	case errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, queue.ErrInFlight):
		return WrapExitError(ExitFailure, fmt.Sprintf("cannot %s", verb), err)
	case err != nil:
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to %s", verb), err)
	}

	f := newFormatter(opts, cmd)
	if f.JSON() {
		return f.Success(snapshot.EntryFrom(m))
	}
	switch verb {
	case "reset":
		f.Printf("Mutation %s is pending again\n", m.ID)
	default:
		f.Printf("Discarded %s %s/%s (was %s)\n", m.Kind, m.EntityType, m.EntityID, m.Status)
	}
	f.Printf("%s\n", e.queue.Summary())
	return nil
}

func printConflict(w io.Writer, rec mutation.ConflictRecord) {
	fmt.Fprintf(w, "Conflict %s (%s) detected %s\n", rec.ID, rec.Type, rec.DetectedAt.Format(time.RFC3339))
	for _, c := range rec.Changes {
		fmt.Fprintf(w, "  %s: local %s, server %s\n", c.Field, orDash(c.Local), orDash(c.Server))
	}
	if rec.Resolution == nil {
		fmt.Fprintln(w, "  unresolved")
		return
	}
	fmt.Fprintf(w, "  resolved: %s wins (%s) at %s\n",
		rec.Resolution.Chosen, rec.Resolution.Strategy, rec.Resolution.ResolvedAt.Format(time.RFC3339))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
