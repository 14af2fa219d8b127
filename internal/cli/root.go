// Package cli implements the edgeproxy command line.
package cli

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runServe(ctx, nil)
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "apikey":
		return runAPIKeyAdmin(ctx, args[1:])
	case "routes":
		return runRoutesAdmin(ctx, args[1:])
	case "block":
		return runBlockAdmin(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		// Bare flags are serve flags.
		return runServe(ctx, args)
	}
}
