package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/queue"
)

const defaultPrefetch = 10

// Sender доставляет единицу работы с повторами.
// *queue.Deliverer реализует этот интерфейс.
type Sender interface {
	DeliverWithRetry(ctx context.Context, u queue.Unit) error
}

// Dispatcher потребляет единицы работы из RabbitMQ и доставляет их.
type Dispatcher struct {
	conn     *mq.Connection
	sender   Sender
	dedupe   Dedupe
	queues   []string
	prefetch int
	logger   *slog.Logger

	consumers  []*mq.Consumer
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Dispatcher.
type Config struct {
	Conn      *mq.Connection
	Deliverer Sender

	// Dedupe — опционально; nil отключает дедупликацию.
	Dedupe Dedupe

	// Queues — логические имена очередей (default: ["default"]).
	Queues []string

	// Prefetch — неподтверждённых сообщений на consumer (default: 10).
	Prefetch int

	Logger *slog.Logger
}

// New создаёт Dispatcher.
func New(cfg Config) *Dispatcher {
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{"default"}
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		conn:     cfg.Conn,
		sender:   cfg.Deliverer,
		dedupe:   cfg.Dedupe,
		queues:   queues,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Start объявляет топологию и запускает consumer на каждую очередь.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := mq.SetupTopology(d.conn, d.queues...); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel

	for _, name := range d.queues {
		consumer := mq.NewConsumer(d.conn, d.logger, mq.ConsumerConfig{
			Queue:    mq.UnitQueue(name),
			Handler:  d.handle,
			Prefetch: d.prefetch,
		})
		d.consumers = append(d.consumers, consumer)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("unit consumer error", "queue", name, "error", err)
			}
		}()
	}

	d.logger.Info("dispatcher started", "queues", d.queues, "prefetch", d.prefetch)
	return nil
}

// Stop останавливает consumers и ждёт завершения обработки.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher...")

	if d.cancelFunc != nil {
		d.cancelFunc()
	}
	for _, c := range d.consumers {
		c.Stop()
	}
	d.wg.Wait()

	d.logger.Info("dispatcher stopped")
}

// handle доставляет одно сообщение. Ошибка отправляет его в DLQ.
func (d *Dispatcher) handle(ctx context.Context, delivery *mq.Delivery) error {
	if delivery.Message.Type != mq.MessageTypeHTTPTask {
		return fmt.Errorf("unexpected message type %q", delivery.Message.Type)
	}

	unit, err := mq.ParsePayload[queue.Unit](&delivery.Message)
	if err != nil {
		return err
	}
	if err := unit.Validate(); err != nil {
		return err
	}

	logger := d.logger.With("unit_id", unit.ID, "queue", unit.Queue, "url", unit.URL)

	if d.dedupe != nil && unit.ID != "" {
		seen, err := d.dedupe.Delivered(ctx, unit.ID)
		if err != nil {
			logger.Warn("dedupe lookup failed", "error", err)
		} else if seen {
			logger.Info("unit already delivered, skipping", "redelivered", delivery.Redelivered())
			return nil
		}
	}

	if err := d.sender.DeliverWithRetry(ctx, unit); err != nil {
		return fmt.Errorf("deliver unit %s: %w", unit.ID, err)
	}

	if d.dedupe != nil && unit.ID != "" {
		if err := d.dedupe.MarkDelivered(ctx, unit.ID); err != nil {
			logger.Warn("failed to mark unit delivered", "error", err)
		}
	}

	logger.Debug("unit delivered")
	return nil
}
