// Command harmony-workflow runs the orchestrator core: the HTTP surface
// plus the failer, reaper, and dead-letter background loops, all in one
// process.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/geoharmony/orchestrator/internal/app"
	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/logger"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load(log)

	a, err := app.New(log, cfg)
	if err != nil {
		log.Fatal("failed to build app", "error", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting harmony-workflow", "addr", cfg.HTTPAddr)
	if err := a.Run(ctx); err != nil {
		log.Fatal("service exited with error", "error", err)
	}
}
