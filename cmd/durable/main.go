// Command durable inspects, verifies and compacts durable worker oplogs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/durable/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
