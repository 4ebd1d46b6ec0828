package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/evaluator"
	"github.com/michaelbrown/crucible/internal/handshake"
	"github.com/michaelbrown/crucible/internal/idpool"
	"github.com/michaelbrown/crucible/internal/runtimenode"
)

var replBoot string

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Spawn a runtime and evaluate code interactively",
	Long: `Spawn a local runtime process and talk to it directly.

Each line is evaluated in the current container; bindings persist between
lines. Commands:

  :container NAME   switch to (or create) a container
  :kill             kill the current container
  :quit             exit (the runtime dies with the session)

Examples:
  crucible repl
  crucible repl --boot 'greeting = "hello"'`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVar(&replBoot, "boot", "", "Boot expression for the spawned runtime")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pool := idpool.New(cfg.Pool.BufferDelay)
	defer pool.Close()

	listener, err := handshake.NewListener()
	if err != nil {
		return err
	}
	defer listener.Close()

	boot := cfg.Runtime.Boot
	if replBoot != "" {
		boot = replBoot
	}

	fmt.Println("Spawning runtime...")
	conn, err := handshake.Connect(context.Background(), pool, listener, handshake.Options{
		Executable: cfg.Runtime.Executable,
		BaseArgs:   cfg.Runtime.Args,
		BootExpr:   boot,
		BaseLabel:  cfg.Runtime.BaseLabel,
		Owner:      "repl",
		Timeout:    cfg.Handshake.Timeout,
	})
	if err != nil {
		return fmt.Errorf("spawning runtime: %w", err)
	}
	defer conn.Close()

	client, err := runtimenode.DialServer(context.Background(), conn.Addr, conn.ServerHandle)
	if err != nil {
		return fmt.Errorf("attaching to runtime: %w", err)
	}
	defer client.Close()

	fmt.Printf("Runtime %s ready (pid %d)\n", conn.Identity.Name, conn.PID)
	fmt.Println("Type :container NAME to switch containers, :quit to exit")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mmain>\033[0m ",
		HistoryFile:     "/tmp/crucible_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	container := "main"
	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, ":") {
			switch {
			case input == ":quit" || input == ":q":
				fmt.Println("Goodbye!")
				return nil
			case strings.HasPrefix(input, ":container "):
				container = strings.TrimSpace(strings.TrimPrefix(input, ":container "))
				rl.SetPrompt(fmt.Sprintf("\033[36m%s>\033[0m ", container))
			case input == ":kill":
				if err := client.Kill(evaluator.Ref(container)); err != nil {
					fmt.Printf("kill: %v\n", err)
				}
			default:
				fmt.Printf("unknown command %q\n", input)
			}
			continue
		}

		evalID := uuid.NewString()
		if err := client.Evaluate(evaluator.Request{
			Container:  evaluator.Ref(container),
			Evaluation: evaluator.Ref(evalID),
			Code:       input,
		}); err != nil {
			return fmt.Errorf("runtime lost: %w", err)
		}

		if err := awaitResult(client, evalID); err != nil {
			return err
		}
	}
}

// awaitResult prints frames until the named evaluation resolves. Frames for
// other containers (crash notices and the like) are printed as they pass.
func awaitResult(client *runtimenode.ServerClient, evalID string) error {
	timeout := time.After(60 * time.Second)
	for {
		select {
		case f, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("runtime disconnected")
			}
			switch f.Type {
			case runtimenode.FrameResult:
				if f.Error != "" {
					fmt.Printf("\033[31merror:\033[0m %s\n", f.Error)
				} else {
					fmt.Printf("%v\n", f.Value)
				}
				if string(f.Evaluation) == evalID {
					return nil
				}
			case runtimenode.FrameContainerDown:
				fmt.Printf("\033[31mcontainer %s down:\033[0m %s\n", f.Container, f.Cause)
				return nil
			case runtimenode.FrameError:
				fmt.Printf("\033[31m%s\033[0m\n", f.Error)
				if f.Evaluation == "" || string(f.Evaluation) == evalID {
					return nil
				}
			}
		case <-timeout:
			return fmt.Errorf("evaluation %s timed out", evalID)
		case <-client.Done():
			return fmt.Errorf("runtime disconnected")
		}
	}
}
