package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/crucible/internal/runtimenode"
)

var (
	runtimeID   string
	runtimeRef  string
	runtimeBoot string
	runtimeAck  time.Duration
)

var runtimeCmd = &cobra.Command{
	Use:    "runtime [flags] PARENT_ADDR",
	Short:  "Run as a runtime child process",
	Hidden: true,
	Long: `Run a runtime node and connect back to a waiting parent.

This is the child half of the spawn handshake. The coordinator invokes it
with the identity it assigned, a correlation ref, and its own handshake
address; it is not meant to be run by hand.`,
	Args: cobra.ExactArgs(1),
	RunE: runRuntime,
}

func init() {
	runtimeCmd.Flags().StringVar(&runtimeID, "id", "", "Runtime identity assigned by the parent")
	runtimeCmd.Flags().StringVar(&runtimeRef, "ref", "", "Handshake correlation ref")
	runtimeCmd.Flags().StringVar(&runtimeBoot, "boot", "", "Boot expression evaluated into the base environment")
	runtimeCmd.Flags().DurationVar(&runtimeAck, "ack-timeout", 0, "How long to wait for the parent's ack")
	rootCmd.AddCommand(runtimeCmd)
}

func runRuntime(cmd *cobra.Command, args []string) error {
	if runtimeID == "" || runtimeRef == "" {
		return fmt.Errorf("--id and --ref are required")
	}
	return runtimenode.Run(runtimenode.RunOptions{
		Identity:   runtimeID,
		Ref:        runtimeRef,
		ParentAddr: args[0],
		BootExpr:   runtimeBoot,
		AckTimeout: runtimeAck,
	})
}
