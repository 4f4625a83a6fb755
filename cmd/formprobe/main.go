// File: cmd/formprobe/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/formprobe/cmd"
	"github.com/xkilldash9x/formprobe/internal/observability"
)

const panicLogFile = "formprobe-panic.log"

// Exit codes. CI jobs tell a broken form apart from a broken run by these.
const (
	exitOK          = 0
	exitFailed      = 1
	exitCrashed     = 2
	exitInterrupted = 130
)

// Function variables for mocking in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

// main is the entry point of the application.
func main() {
	defer handlePanic()

	// Ctrl+C cancels the run; cases in flight still get their failure artifacts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osExit(exitCode(cmd.Execute(ctx)))
}

// exitCode maps the command result onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailed
	}
}

// handlePanic writes the stack of an unexpected panic to a log file so the
// CI job keeps it as an artifact, then exits with a distinct status.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(exitCrashed)
		return
	}

	fmt.Fprintf(os.Stderr, "formprobe crashed. Details logged to %s\n", panicLogFile)
	osExit(exitCrashed)
}
