package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/queue"
)

// Типы событий.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
)

// Notifier отправляет уведомления о жизненном цикле run.
type Notifier interface {
	// RunStarted вызывается один раз на run — при первой записи статуса.
	RunStarted(ctx context.Context, job *domain.Job, first *domain.PipelineStatus) error

	// RunCompleted вызывается один раз на run — когда все pipelines финальны.
	RunCompleted(ctx context.Context, summary *domain.RunSummary) error
}

// Nop — Notifier, который ничего не делает.
type Nop struct{}

func (Nop) RunStarted(context.Context, *domain.Job, *domain.PipelineStatus) error { return nil }
func (Nop) RunCompleted(context.Context, *domain.RunSummary) error                { return nil }

// Event — тело webhook уведомления.
type Event struct {
	Event      string                 `json:"event"`
	RunID      string                 `json:"run_id"`
	Job        *domain.Job            `json:"job,omitempty"`
	PipelineID string                 `json:"pipeline_id,omitempty"`
	Status     domain.Status          `json:"status,omitempty"`
	Summary    *domain.RunSummary     `json:"summary,omitempty"`
	Pipeline   *domain.PipelineStatus `json:"pipeline,omitempty"`
	SentAt     time.Time              `json:"sent_at"`
}

// WebhookNotifier ставит POST запросы с событиями в очередь.
// Доставка и повторы — ответственность очереди.
type WebhookNotifier struct {
	queue        queue.Enqueuer
	queueName    string
	startedURL   string
	completedURL string
	headers      map[string]string
}

// WebhookConfig — конфигурация WebhookNotifier.
type WebhookConfig struct {
	// Queue — очередь для доставки уведомлений.
	Queue queue.Enqueuer

	// QueueName — логическая очередь (default: "default").
	QueueName string

	// StartedURL — адрес уведомления о начале run. Пустой — не отправлять.
	StartedURL string

	// CompletedURL — адрес уведомления о завершении run. Пустой — не отправлять.
	CompletedURL string

	// Headers — дополнительные заголовки запросов.
	Headers map[string]string
}

// NewWebhookNotifier создаёт WebhookNotifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	name := cfg.QueueName
	if name == "" {
		name = domain.DefaultQueueName
	}
	return &WebhookNotifier{
		queue:        cfg.Queue,
		queueName:    name,
		startedURL:   cfg.StartedURL,
		completedURL: cfg.CompletedURL,
		headers:      cfg.Headers,
	}
}

// RunStarted ставит в очередь уведомление о начале run.
func (n *WebhookNotifier) RunStarted(ctx context.Context, job *domain.Job, first *domain.PipelineStatus) error {
	if n.startedURL == "" {
		return nil
	}

	event := Event{
		Event:    EventRunStarted,
		RunID:    job.RunID,
		Job:      job,
		Pipeline: first,
		SentAt:   time.Now().UTC(),
	}
	if first != nil {
		event.PipelineID = first.PipelineID
		event.Status = first.Status
	}

	return n.enqueue(ctx, n.startedURL, job.RunID, event)
}

// RunCompleted ставит в очередь уведомление о завершении run.
func (n *WebhookNotifier) RunCompleted(ctx context.Context, summary *domain.RunSummary) error {
	if n.completedURL == "" {
		return nil
	}

	return n.enqueue(ctx, n.completedURL, summary.RunID, Event{
		Event:   EventRunCompleted,
		RunID:   summary.RunID,
		Status:  summary.Status,
		Summary: summary,
		SentAt:  time.Now().UTC(),
	})
}

func (n *WebhookNotifier) enqueue(ctx context.Context, url, runID string, event Event) error {
	u, err := queue.NewUnit(n.queueName, url, event)
	if err != nil {
		return err
	}
	u.ID = queue.DedupeKey(runID, event.Event)
	u.Headers = n.headers

	if err := n.queue.Enqueue(ctx, u); err != nil {
		return fmt.Errorf("enqueue %s notification for %s: %w", event.Event, runID, err)
	}
	return nil
}
