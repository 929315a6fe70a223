package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/snapshot"
	"github.com/roach88/invsync/internal/syncer"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	PayloadFile string
	ManualMerge bool
	ID          string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> <entity-id> <create|update|delete> [payload-json]",
		Short: "Queue a local change",
		Long: `Record a local change in the mutation queue.

The payload is the full JSON snapshot of the object after the change. It can
be given inline, read from a file with --payload-file, or from stdin with
--payload-file -. Deletes take no payload.

Examples:
  invsync enqueue item sku-42 create '{"name":"Lamp","qty":3}'
  invsync enqueue location aisle-7 update --payload-file aisle-7.json
  invsync enqueue item sku-42 delete`,
		Args:          cobra.RangeArgs(3, 4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read the payload from a file (- for stdin)")
	cmd.Flags().BoolVar(&opts.ManualMerge, "manual-merge", false, "resolve conflicts on this change manually")
	cmd.Flags().StringVar(&opts.ID, "id", "", "mutation id (generated when empty)")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, args []string, cmd *cobra.Command) error {
	entityType, err := mutation.ParseEntityType(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid entity type", err)
	}
	kind, err := mutation.ParseKind(args[2])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid kind", err)
	}
	payload, err := readPayload(opts, args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if kind == mutation.KindDelete && len(payload) > 0 {
		return NewExitError(ExitCommandError, "delete takes no payload")
	}
	if kind != mutation.KindDelete && len(payload) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s requires a payload", kind))
	}

	e, err := openEngine(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	var enqOpts []syncer.EnqueueOption
	if opts.ManualMerge {
		enqOpts = append(enqOpts, syncer.WithManualMerge())
	}
	if opts.ID != "" {
		enqOpts = append(enqOpts, syncer.WithMutationID(opts.ID))
	}

	m, err := e.coord.EnqueueMutation(cmd.Context(), entityType, args[1], kind, payload, enqOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to enqueue", err)
	}

	out := newFormatter(opts.RootOptions, cmd)
	if out.JSON() {
		return out.Success(snapshot.EntryFrom(m))
	}
	if m.Status == mutation.StatusCompleted {
		out.Printf("Cancelled unsent create for %s %s\n", m.EntityType, m.EntityID)
		return nil
	}
	out.Printf("Queued %s %s %s as %s (seq %d)\n", m.Kind, m.EntityType, m.EntityID, m.ID, m.Seq)
	out.Printf("%s\n", e.queue.Summary())
	return nil
}

// readPayload returns the payload from the argument or --payload-file and
// checks that it is JSON.
func readPayload(opts *EnqueueOptions, args []string, stdin io.Reader) ([]byte, error) {
	var data []byte
	switch {
	case len(args) == 4 && opts.PayloadFile != "":
		return nil, NewExitError(ExitCommandError, "payload given both inline and with --payload-file")
	case len(args) == 4:
		data = []byte(args[3])
	case opts.PayloadFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read payload from stdin", err)
		}
		data = b
	case opts.PayloadFile != "":
		b, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read payload file", err)
		}
		data = b
	default:
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, NewExitError(ExitCommandError, "payload is not valid JSON")
	}
	return data, nil
}
