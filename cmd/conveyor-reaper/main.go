// Conveyor Reaper — завершает зависшие runs по расписанию.
//
// Несколько экземпляров безопасны: тик выполняет держатель Redis lock.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/reaper"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const lockKey = "conveyor:reaper:lock"

func main() {
	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting conveyor-reaper")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conveyor-reaper failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	q, err := app.OpenQueue(ctx, cfg, app.OutboundTokens(ctx, cfg.Auth), logger)
	if err != nil {
		return err
	}
	defer q.Close()

	r, err := reaper.New(reaper.Config{
		Tracker:    app.NewTracker(rdb, q, cfg.Notify, logger),
		Locker:     reaper.NewRedisLocker(rdb, lockKey),
		Schedule:   cfg.Reaper.Schedule,
		StaleAfter: cfg.Reaper.StaleAfter,
		BatchSize:  cfg.Reaper.BatchSize,
		LockTTL:    cfg.Reaper.LockTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	r.Start(ctx)
	defer r.Stop()

	return app.Serve(ctx, logger, cfg.HTTP.ReaperPort, app.OpsMux(), cfg.HTTP.ShutdownGrace)
}
