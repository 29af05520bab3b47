// Conveyor API — HTTP сервис оркестрации pipelines.
//
// Обслуживает запуск pipelines, выполнение отдельных задач (hop'ов),
// статусы jobs и хранилище конфигураций. С queue.backend=local доставляет
// единицы работы сам; с amqp доставку выполняет conveyor-dispatcher.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/app"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/invoke"
	"github.com/shaiso/Conveyor/internal/modules"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONVEYOR_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting conveyor-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("conveyor-api failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	configs, closeStore, err := app.OpenConfigStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("config store ready", "backend", cfg.DB.ConfigStore)

	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	tokens := app.OutboundTokens(ctx, cfg.Auth)

	q, err := app.OpenQueue(ctx, cfg, tokens, logger)
	if err != nil {
		return err
	}
	defer q.Close()
	logger.Info("queue ready", "backend", cfg.Queue.Backend)

	verifier, err := app.Verifier(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	if verifier == nil {
		logger.Warn("inbound authentication disabled")
	}

	tracker := app.NewTracker(rdb, q, cfg.Notify, logger)

	table := invoke.NewTable(logger).
		Register(domain.TaskTypeModule, invoke.NewModuleInvoker(
			modules.DefaultRegistry(modules.FileSource{Root: cfg.Modules.DocumentsDir}),
		)).
		Register(domain.TaskTypePipeline, invoke.NewPipelineInvoker(invoke.PipelineInvokerConfig{
			Queue:   q,
			Status:  tracker,
			BaseURL: cfg.Service.BaseURL,
			Logger:  logger,
		})).
		Register(domain.TaskTypeRemote, invoke.NewRemoteInvoker(invoke.RemoteInvokerConfig{
			Tokens:           tokens,
			FailureThreshold: cfg.Remote.FailureThreshold,
			OpenTimeout:      cfg.Remote.OpenTimeout,
			Logger:           logger,
		})).
		Register(domain.TaskTypePublishCallback, invoke.NewCallbackInvoker(q, nil, logger))

	if cfg.LLM.URL != "" {
		table.Register(domain.TaskTypePrompt, invoke.NewPromptInvoker(
			invoke.NewHTTPCompleter(cfg.LLM.URL, tokens, cfg.LLM.Timeout),
		))
	} else {
		logger.Warn("LLM gateway not configured, PROMPT tasks will fail")
	}

	orch := orchestrator.New(orchestrator.Config{
		Configs: configs,
		Invoker: table,
		Queue:   q,
		Status:  tracker,
		BaseURL: cfg.Service.BaseURL,
		Logger:  logger,
	})

	handler := api.NewHandler(api.Config{
		Configs:      configs,
		Orchestrator: orch,
		Tracker:      tracker,
		Verifier:     verifier,
		Logger:       logger,
	})

	mux := app.OpsMux()
	handler.RegisterRoutes(mux)

	return app.Serve(ctx, logger, cfg.HTTP.APIPort, mux, cfg.HTTP.ShutdownGrace)
}
