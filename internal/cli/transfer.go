package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/invsync/internal/snapshot"
)

// TransferResult is the JSON payload of the export and import commands.
type TransferResult struct {
	Path      string `json:"path"`
	Entries   int    `json:"entries"`
	Conflicts int    `json:"conflicts"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the queue to a JSON snapshot",
		Long: `Write every queued mutation, plus the conflict history, to a JSON
document. Payloads are embedded as JSON so the file can be read and edited.
The file is replaced atomically.

Example:
  invsync export queue-backup.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(rootOpts, args[0], cmd)
		},
	}
}

func runExport(opts *RootOptions, path string, cmd *cobra.Command) error {
	e, err := openEngine(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer e.Close()

	recs, err := e.store.ReadConflicts(cmd.Context(), "")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read conflicts", err)
	}
	doc := snapshot.Build(e.queue, recs, time.Now())
	if err := snapshot.WriteFile(path, doc, 0o600); err != nil {
		return WrapExitError(ExitCommandError, "failed to write snapshot", err)
	}

	f := newFormatter(opts, cmd)
	if f.JSON() {
		return f.Success(TransferResult{Path: path, Entries: len(doc.Entries), Conflicts: len(doc.Conflicts)})
	}
	f.Printf("Exported %d mutations and %d conflicts to %s\n", len(doc.Entries), len(doc.Conflicts), path)
	return nil
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Replace bool
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load the queue from a JSON snapshot",
		Long: `Replace the queue with the mutations in a snapshot written by export.
The conflict history in the file is informational and is not imported.

A non-empty queue is only replaced with --replace. Nothing changes if any
entry in the file is invalid.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Replace, "replace", false, "replace a non-empty queue")

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("snapshot not found: %s", path))
	}
	doc, err := snapshot.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read snapshot", err)
	}

	e, err := openEngine(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	if n := e.queue.Len(); n > 0 && !opts.Replace {
		return NewExitError(ExitFailure, fmt.Sprintf("queue holds %d mutations; use --replace to overwrite", n))
	}
	if err := snapshot.Restore(cmd.Context(), e.queue, doc); err != nil {
		return WrapExitError(ExitCommandError, "failed to import", err)
	}

	f := newFormatter(opts.RootOptions, cmd)
	if f.JSON() {
		return f.Success(TransferResult{Path: path, Entries: len(doc.Entries)})
	}
	f.Printf("Imported %d mutations from %s\n", len(doc.Entries), path)
	f.Printf("%s\n", e.queue.Summary())
	return nil
}
