// Conveyor Dispatcher — доставляет единицы работы из RabbitMQ.
//
// Dispatcher:
//   - Потребляет units.{name} для каждой очереди из queue.names
//   - Выполняет HTTP запрос единицы с повторами по её политике
//   - После исчерпания попыток отправляет сообщение в DLQ
//
// Dispatchers stateless и масштабируются горизонтально.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/dispatcher"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting conveyor-dispatcher")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conveyor-dispatcher failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	url := cfg.RabbitMQ.URL
	if url == "" {
		url = mq.DefaultURL()
	}
	conn, err := mq.NewConnection(url, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("RabbitMQ connected")

	names := app.QueueNames(cfg)
	logger.Debug("topology\n" + mq.TopologyInfo(names...))

	var dedupe dispatcher.Dedupe
	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis not available, delivering without dedupe", "error", err)
	} else {
		defer rdb.Close()
		dedupe = dispatcher.NewRedisDedupe(rdb, 0)
	}

	d := dispatcher.New(dispatcher.Config{
		Conn: conn,
		Deliverer: queue.NewDeliverer(queue.DelivererConfig{
			Tokens: app.OutboundTokens(ctx, cfg.Auth),
			Logger: logger,
		}),
		Dedupe:   dedupe,
		Queues:   names,
		Prefetch: cfg.Queue.Prefetch,
		Logger:   logger,
	})
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	return app.Serve(ctx, logger, cfg.HTTP.DispatcherPort, app.OpsMux(), cfg.HTTP.ShutdownGrace)
}
