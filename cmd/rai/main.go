package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rai/internal/cli"
	"rai/internal/errorx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", errorx.Describe(err))
		os.Exit(1)
	}
}

func run() error {
	// Create context with cancellation for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return cli.NewRootCommand().ExecuteContext(ctx)
}
