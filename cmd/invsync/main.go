// Command invsync queues inventory changes offline and syncs them to the
// inventory service.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/invsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
