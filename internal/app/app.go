package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/shaiso/Conveyor/internal/auth"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/notify"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/tracking"
)

// OpenRedis подключается к Redis и проверяет соединение.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// OpenConfigStore возвращает хранилище конфигураций и функцию закрытия.
func OpenConfigStore(ctx context.Context, cfg config.DBConfig) (repo.ConfigStore, func(), error) {
	if cfg.ConfigStore == "memory" {
		return repo.NewMemoryConfigRepo(), func() {}, nil
	}

	pool, err := repo.NewPool(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	return repo.NewConfigRepo(pool), pool.Close, nil
}

// OutboundTokens возвращает источник токенов для исходящих запросов или nil.
func OutboundTokens(ctx context.Context, cfg config.AuthConfig) oauth2.TokenSource {
	return auth.TokenSource(ctx, auth.OutboundConfig{
		StaticToken:  cfg.StaticToken,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Audience:     cfg.Audience,
	})
}

// Verifier возвращает проверку входящих токенов; nil при auth.disabled.
func Verifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	if cfg.Disabled {
		return nil, nil
	}
	v, err := auth.NewVerifier(ctx, auth.InboundConfig{Issuer: cfg.Issuer, Audience: cfg.Audience})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Queue — выбранный backend очереди.
type Queue struct {
	queue.Enqueuer

	local *queue.LocalQueue
	conn  *mq.Connection
}

// OpenQueue создаёт очередь по queue.backend.
// Локальная очередь сразу начинает доставку в этом процессе.
func OpenQueue(ctx context.Context, cfg *config.Config, tokens oauth2.TokenSource, logger *slog.Logger) (*Queue, error) {
	switch cfg.Queue.Backend {
	case "amqp":
		url := cfg.RabbitMQ.URL
		if url == "" {
			url = mq.DefaultURL()
		}
		conn, err := mq.NewConnection(url, logger)
		if err != nil {
			return nil, err
		}
		if err := mq.SetupTopology(conn, QueueNames(cfg)...); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setup topology: %w", err)
		}
		return &Queue{Enqueuer: queue.NewAMQPQueue(conn, logger), conn: conn}, nil

	default:
		deliverer := queue.NewDeliverer(queue.DelivererConfig{Tokens: tokens, Logger: logger})
		local, err := queue.NewLocalQueue(queue.LocalConfig{
			Deliver: deliverer.DeliverWithRetry,
			Workers: cfg.Queue.Workers,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		local.Start(ctx)
		return &Queue{Enqueuer: local, local: local}, nil
	}
}

// Close останавливает локальную доставку или закрывает соединение AMQP.
func (q *Queue) Close() {
	if q.local != nil {
		q.local.Stop()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}

// QueueNames — очереди задач и очередь уведомлений без повторов.
func QueueNames(cfg *config.Config) []string {
	names := slices.Clone(cfg.Queue.Names)
	if len(names) == 0 {
		names = []string{"default"}
	}
	if cfg.Notify.Queue != "" && !slices.Contains(names, cfg.Notify.Queue) {
		names = append(names, cfg.Notify.Queue)
	}
	return names
}

// NewTracker создаёт Tracker на Redis с webhook уведомлениями.
func NewTracker(rdb *redis.Client, q queue.Enqueuer, cfg config.NotifyConfig, logger *slog.Logger) *tracking.Tracker {
	return tracking.New(tracking.Config{
		Store: tracking.NewRedisStore(rdb),
		Notifier: notify.NewWebhookNotifier(notify.WebhookConfig{
			Queue:        q,
			QueueName:    cfg.Queue,
			StartedURL:   cfg.StartedURL,
			CompletedURL: cfg.CompletedURL,
		}),
		Logger: logger,
	})
}

// OpsMux возвращает mux с /healthz и /metrics.
func OpsMux() *http.ServeMux {
	startTime := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve обслуживает handler на порту до отмены ctx, затем выполняет
// graceful shutdown с таймаутом grace.
func Serve(ctx context.Context, logger *slog.Logger, port int, handler http.Handler, grace time.Duration) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
