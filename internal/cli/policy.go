package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/invsync/internal/retry"
)

// PolicyResult is the JSON payload of the policy command.
type PolicyResult struct {
	Policy retry.Policy `json:"policy"`
	// Delays and Worst are rendered as Go durations, e.g. "1.5s".
	Delays []string `json:"delays"`
	Worst  string   `json:"worst_case"`
}

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Show the retry schedule",
		Long: `Show the configured retry policy and the delay before each retry,
without jitter. With jitter each delay varies by up to the jitter fraction
either way, still capped at max_delay.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicy(rootOpts, cmd)
		},
	}
}

func runPolicy(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	p := cfg.Retry
	delays := retry.Scheduler{}.Schedule(p)

	var worst time.Duration
	for _, d := range delays {
		worst += d
	}

	f := newFormatter(opts, cmd)
	if f.JSON() {
		res := PolicyResult{Policy: p, Delays: make([]string, len(delays)), Worst: worst.String()}
		for i, d := range delays {
			res.Delays[i] = d.String()
		}
		return f.Success(res)
	}

	w := f.Writer
	fmt.Fprintf(w, "Max attempts: %d\n", p.MaxAttempts)
	fmt.Fprintf(w, "Initial delay: %s, multiplier %g, jitter %g, cap %s\n",
		p.InitialDelay, p.BackoffMultiplier, p.Jitter, capText(p.MaxDelay))
	if len(delays) == 0 {
		fmt.Fprintln(w, "No retries.")
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTEMPT\tWAIT BEFORE")
	fmt.Fprintln(tw, "1\t-")
	for i, d := range delays {
		fmt.Fprintf(tw, "%d\t%s\n", i+2, d)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nWorst case before failing: %s of waiting\n", worst)
	return nil
}

func capText(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}
