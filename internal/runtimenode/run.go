package runtimenode

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/michaelbrown/crucible/internal/evaluator"
	"github.com/michaelbrown/crucible/internal/handshake"
)

// RunOptions configures a child runtime process end to end.
type RunOptions struct {
	Identity   string
	Ref        string
	ParentAddr string
	BootExpr   string
	AckTimeout time.Duration
	Interp     evaluator.Interpreter
}

// Run is the whole life of a runtime process: start the node API, answer the
// parent's handshake, then sit there until either the parent disappears or
// the manager the parent started stops. Both end in process death; that is
// the liveness coupling that keeps orphaned runtimes from piling up.
func Run(opts RunOptions) error {
	node := New(opts.Identity, opts.Interp)
	if err := node.Start("127.0.0.1:0"); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	if opts.BootExpr != "" {
		interp := opts.Interp
		if interp == nil {
			interp = evaluator.Builtin{}
		}
		node.mu.Lock()
		if _, err := interp.Eval(context.Background(), opts.BootExpr, node.base); err != nil {
			node.mu.Unlock()
			return fmt.Errorf("evaluating boot expression: %w", err)
		}
		node.mu.Unlock()
	}

	child, err := handshake.Answer(handshake.ChildOptions{
		ParentAddr: opts.ParentAddr,
		Ref:        opts.Ref,
		NodeAddr:   node.Addr(),
		AckTimeout: opts.AckTimeout,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	log.Printf("node %s: connected to parent %s", opts.Identity, opts.ParentAddr)

	child.WatchParent(func() {
		log.Printf("node %s: parent unreachable, shutting down", opts.Identity)
		node.StopManager()
	})

	// The manager was started during bootstrap; from here on its lifetime
	// is the process's lifetime.
	<-node.ManagerDone()
	child.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return node.Shutdown(ctx)
}
