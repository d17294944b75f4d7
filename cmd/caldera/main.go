package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/calderahq/caldera/cmd/caldera/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal cancels the run context so the current step can stop
	// cleanly; a second signal kills the process the hard way.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		<-sigChan
		os.Exit(130)
	}()

	os.Exit(commands.Execute(ctx, Version, Commit, BuildDate))
}
