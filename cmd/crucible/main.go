package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible - disposable code evaluation runtimes",
	Long: `Crucible runs user-submitted code in disposable runtime processes.

The coordinator spawns runtime processes on demand, hands each one an
identity, and routes evaluations to containers inside them. A crashed
container or runtime never takes the coordinator down.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
