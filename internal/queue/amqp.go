package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// AMQPQueue публикует единицы работы в RabbitMQ.
//
// Каждая логическая очередь объявляется при первой публикации в неё;
// доставку выполняет dispatcher.
type AMQPQueue struct {
	conn      *mq.Connection
	publisher *mq.Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// NewAMQPQueue создаёт AMQPQueue.
func NewAMQPQueue(conn *mq.Connection, logger *slog.Logger) *AMQPQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPQueue{
		conn:      conn,
		publisher: mq.NewPublisher(conn, logger),
		logger:    logger,
		declared:  make(map[string]bool),
	}
}

// Enqueue публикует единицу работы в units.{queue}.
func (q *AMQPQueue) Enqueue(ctx context.Context, u Unit) error {
	if err := u.Validate(); err != nil {
		return err
	}

	if err := q.ensureQueue(u.Queue); err != nil {
		return err
	}

	if err := q.publisher.PublishJSON(ctx, u.Queue, u.ID, mq.MessageTypeHTTPTask, u); err != nil {
		return fmt.Errorf("enqueue unit %s: %w", u.ID, err)
	}

	telemetry.EnqueuedTotal.WithLabelValues("amqp", u.Queue).Inc()
	return nil
}

// ensureQueue объявляет топологию логической очереди один раз за время жизни процесса.
func (q *AMQPQueue) ensureQueue(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.declared[name] {
		return nil
	}
	if err := mq.DeclareUnitQueue(q.conn, name); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}

	q.declared[name] = true
	q.logger.Info("declared unit queue", "queue", name)
	return nil
}
