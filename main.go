// ./main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/missionctl/cmd"
	"github.com/xkilldash9x/missionctl/internal/observability"
)

const panicLogFile = "panic.log"

// main is the entry point for the missionctl daemon and CLI.
func main() {
	defer handlePanic()

	// Interrupt signals cancel the context so the scheduler and recovery
	// loops can drain and exit cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		observability.Sync()
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	observability.Sync()
}

// handlePanic flushes logs and writes the stack to a dedicated file so a
// crash in a long-running daemon is never lost with the process.
func handlePanic() {
	if r := recover(); r != nil {
		observability.Sync()

		panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		if err := os.WriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
			fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "CRASH DETECTED. Details logged to %s\n", panicLogFile)
		os.Exit(1)
	}
}
