// Command tiergate runs the entitlement service: the local control
// surface for invite-code activation plus background reconciliation
// with the remote authority.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tiergate/internal/app"
	"tiergate/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tiergate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}
