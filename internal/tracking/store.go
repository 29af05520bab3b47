package tracking

import (
	"context"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Store — хранилище jobs и статусов pipelines.
//
// Все мутации — upsert по ключу (run_id[, pipeline_id, page]).
type Store interface {
	// CreateJob создаёт job. Повторное создание — ErrJobExists.
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob возвращает job или ErrJobNotFound.
	GetJob(ctx context.Context, runID string) (*domain.Job, error)

	// UpdateJob заменяет изменяемые поля job.
	UpdateJob(ctx context.Context, job *domain.Job) (*domain.Job, error)

	// DeleteJob удаляет статусы pipelines, затем сам job.
	DeleteJob(ctx context.Context, runID string) error

	// UpsertStatus атомарно записывает статус и при необходимости создаёт job.
	UpsertStatus(ctx context.Context, status *domain.PipelineStatus, job *domain.Job) (*UpsertResult, error)

	// ListStatuses возвращает все статусы run.
	ListStatuses(ctx context.Context, runID string) ([]domain.PipelineStatus, error)

	// MarkCompletionNotified ставит флаг "уведомление о завершении отправлено".
	// Возвращает true только для первого вызова.
	MarkCompletionNotified(ctx context.Context, runID string) (bool, error)

	// CompletionNotified проверяет флаг уведомления о завершении.
	CompletionNotified(ctx context.Context, runID string) (bool, error)

	// RunsCreatedBefore возвращает run_id, созданные раньше cutoff.
	RunsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// Unindex убирает run из индекса RunsCreatedBefore.
	Unindex(ctx context.Context, runID string) error
}

// UpsertResult — результат записи статуса.
type UpsertResult struct {
	// Status — сохранённая запись.
	Status *domain.PipelineStatus

	// Previous — статус до записи (пустой для новой записи).
	Previous domain.Status

	// First — до записи под run_id не было ни одной записи.
	First bool

	// JobCreated — job был создан этой записью.
	JobCreated bool

	// Unchanged — запись уже была в этом финальном статусе, ничего не изменено.
	Unchanged bool
}
