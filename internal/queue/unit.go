package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Ошибки очереди.
var (
	// ErrQueueClosed — очередь остановлена и не принимает единицы работы.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrInvalidUnit — единица работы без URL или очереди.
	ErrInvalidUnit = errors.New("invalid unit of work")
)

// Unit — асинхронная единица работы: HTTP запрос, который должен быть
// выполнен позже с данным payload.
type Unit struct {
	// ID — ключ дедупликации. Повторная постановка с тем же ID не создаёт
	// второй доставки (в пределах возможностей backend'а).
	ID string `json:"id"`

	// Queue — логическая очередь (task.invoke.queue_name).
	Queue string `json:"queue"`

	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`

	// Retry — политика повторных доставок; nil — политика очереди по умолчанию.
	Retry *domain.RetryPolicy `json:"retry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewUnit создаёт единицу работы POST url с JSON payload.
func NewUnit(queueName, url string, payload any) (Unit, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Unit{}, fmt.Errorf("marshal unit payload: %w", err)
	}
	if queueName == "" {
		queueName = domain.DefaultQueueName
	}

	return Unit{
		ID:        uuid.NewString(),
		Queue:     queueName,
		Method:    http.MethodPost,
		URL:       url,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Validate проверяет обязательные поля.
func (u *Unit) Validate() error {
	if u.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidUnit)
	}
	if u.Queue == "" {
		return fmt.Errorf("%w: queue is required", ErrInvalidUnit)
	}
	return nil
}

// DedupeKey строит ID единицы работы из составных частей.
// Пустые части пропускаются.
func DedupeKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// Enqueuer ставит единицы работы в очередь.
type Enqueuer interface {
	Enqueue(ctx context.Context, u Unit) error
}

// EnqueuerFunc адаптирует функцию к интерфейсу Enqueuer.
type EnqueuerFunc func(ctx context.Context, u Unit) error

// Enqueue вызывает f(ctx, u).
func (f EnqueuerFunc) Enqueue(ctx context.Context, u Unit) error {
	return f(ctx, u)
}
