// Command bioengine runs the engine standalone for local smoke-testing
// (spec §6.3): it loads configuration from the environment, wires a
// Core, and blocks on its background maintenance loops until interrupted.
// A real deployment embeds internal/app.Core and internal/app.AdminAPI
// directly rather than running this binary; it exists to prove the module
// boots end to end against a real Postgres/Redis/BWS endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/app"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/internal/config"
	"github.com/danielchristianschroeter/bioid-face-recognition-core/pkg/credential"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The demo binary keeps credential records in memory; a real deployment
	// supplies its own credential.Store backed by its user database.
	core, err := app.New(ctx, cfg, credential.NewMemStore())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: starting engine: %v\n", err)
		os.Exit(1)
	}

	slog.Info("bioengine ready", "preferred_region", cfg.PreferredRegion)
	core.RunBackgroundLoops(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := core.Close(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
}
