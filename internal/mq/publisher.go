package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeHTTPTask — единица работы: HTTP запрос, который нужно доставить.
const MessageTypeHTTPTask MessageType = "http.task"

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор (ключ дедупликации).
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload json.RawMessage `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// Publisher публикует сообщения в exchange единиц работы.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение в очередь units.{queue}.
func (p *Publisher) Publish(ctx context.Context, queue string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.conn.Publish(ctx, ExchangeUnits, queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Type),
		Body:         body,
	})
	if err != nil {
		return err
	}

	p.logger.Debug("published message",
		"queue", queue,
		"message_id", msg.ID,
		"type", msg.Type,
	)
	return nil
}

// PublishJSON сериализует payload и публикует его под указанным id.
// Пустой id заменяется случайным.
func (p *Publisher) PublishJSON(ctx context.Context, queue, id string, msgType MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	return p.Publish(ctx, queue, &Message{
		ID:        id,
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}
