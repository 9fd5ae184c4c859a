package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/RezaEskandarii/tradeflow/app"
	"github.com/RezaEskandarii/tradeflow/types/config"
)

func main() {
	envFile := flag.String("env", ".env", "path of the .env file to load")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*envFile, logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(envFile string, logger *slog.Logger) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.NewContainer(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Error("close container", "error", err)
		}
	}()

	// Trading job classes are registered here by the deployment that embeds
	// this worker, e.g. container.Jobs.Register("PlaceOrder", newPlaceOrder).

	logger.Info("worker starting",
		"instance", cfg.Instance,
		"storage", cfg.StorageDriver.String(),
		"workers", cfg.WorkerCount,
		"queue_writer", cfg.UseQueueWriter,
	)
	return container.Run(ctx)
}
