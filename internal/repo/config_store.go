package repo

import (
	"context"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Operation — результат записи конфигурации.
type Operation string

const (
	OperationCreated Operation = "created"
	OperationUpdated Operation = "updated"
)

// WriteResult — результат CreateOrUpdate.
type WriteResult struct {
	Config    *domain.PipelineConfig `json:"config"`
	Operation Operation              `json:"operation"`

	// ArchivedConfigID — ID документа, ставшего неактивным (только для updated).
	ArchivedConfigID string `json:"archived_config_id,omitempty"`
}

// ConfigFilter — фильтр списка конфигураций.
type ConfigFilter struct {
	Scope string
	AppID string

	// Labels — конфигурация должна содержать все перечисленные метки.
	Labels []string
}

// ConfigStore — хранилище конфигураций pipelines.
//
// На каждую пару (scope, key) существует не более одного активного документа.
// Документы никогда не удаляются физически: обновление и удаление
// только снимают флаг active.
type ConfigStore interface {
	// GetByScopeKey возвращает активную конфигурацию.
	GetByScopeKey(ctx context.Context, scope, key string) (*domain.PipelineConfig, error)

	// GetByID возвращает документ по ID (включая архивные).
	GetByID(ctx context.Context, id string) (*domain.PipelineConfig, error)

	// CreateOrUpdate записывает новую активную версию, архивируя предыдущую.
	CreateOrUpdate(ctx context.Context, cfg *domain.PipelineConfig) (*WriteResult, error)

	// List возвращает активные конфигурации, подходящие под фильтр.
	List(ctx context.Context, filter ConfigFilter) ([]domain.PipelineConfig, error)

	// Archive снимает флаг active с текущей версии (scope, key).
	Archive(ctx context.Context, scope, key string) error

	// ArchiveByID снимает флаг active с документа.
	ArchiveByID(ctx context.Context, id string) error
}
