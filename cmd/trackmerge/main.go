// Command trackmerge stages, archives and merges tracking-record batches.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/trackmerge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
