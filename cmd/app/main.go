package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tradecore/internal/app"
	"tradecore/internal/infra"
)

func main() {
	// Optional .env for credentials; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer bootstrap.Close()

	infra.PrintBanner(bootstrap.Config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		bootstrap.Close()
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}
