package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sessiontap/sessiontap/cmd"
	"github.com/sessiontap/sessiontap/internal/observability"
)

func main() {
	// The signal-aware context reaches the session controller through
	// cobra, so an interrupt during monitoring triggers a graceful flush.
	// A second signal falls through to the runtime's default handling and
	// kills the process outright.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
