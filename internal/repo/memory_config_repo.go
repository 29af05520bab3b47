package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// MemoryConfigRepo — хранилище конфигураций в памяти процесса.
//
// Используется при локальной разработке и в тестах. Семантика совпадает
// с ConfigRepo: архивирование вместо перезаписи, AND-фильтр по меткам.
type MemoryConfigRepo struct {
	mu   sync.RWMutex
	docs map[string]*domain.PipelineConfig
	now  func() time.Time
}

// NewMemoryConfigRepo создаёт пустое хранилище.
func NewMemoryConfigRepo() *MemoryConfigRepo {
	return &MemoryConfigRepo{
		docs: make(map[string]*domain.PipelineConfig),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// GetByScopeKey возвращает активную конфигурацию.
func (r *MemoryConfigRepo) GetByScopeKey(_ context.Context, scope, key string) (*domain.PipelineConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if doc := r.activeLocked(scope, key); doc != nil {
		return cloneConfig(doc)
	}
	return nil, fmt.Errorf("get config %s:%s: %w", scope, key, ErrNotFound)
}

// GetByID возвращает документ по ID.
func (r *MemoryConfigRepo) GetByID(_ context.Context, id string) (*domain.PipelineConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("get config %s: %w", id, ErrNotFound)
	}
	return cloneConfig(doc)
}

// CreateOrUpdate записывает новую активную версию, архивируя предыдущую.
func (r *MemoryConfigRepo) CreateOrUpdate(_ context.Context, cfg *domain.PipelineConfig) (*WriteResult, error) {
	stored, err := cloneConfig(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	result := &WriteResult{Operation: OperationCreated}

	if prev := r.activeLocked(cfg.Scope, cfg.Key); prev != nil {
		prev.Active = false
		prev.UpdatedAt = now
		result.Operation = OperationUpdated
		result.ArchivedConfigID = prev.ID
	}

	stored.ID = uuid.NewString()
	stored.Active = true
	stored.ArchivedConfigID = result.ArchivedConfigID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.docs[stored.ID] = stored

	out, err := cloneConfig(stored)
	if err != nil {
		return nil, err
	}
	result.Config = out
	return result, nil
}

// List возвращает активные конфигурации, отсортированные по (scope, key).
func (r *MemoryConfigRepo) List(_ context.Context, filter ConfigFilter) ([]domain.PipelineConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var configs []domain.PipelineConfig
	for _, doc := range r.docs {
		if !doc.Active {
			continue
		}
		if filter.Scope != "" && doc.Scope != filter.Scope {
			continue
		}
		if filter.AppID != "" && doc.AppID != filter.AppID {
			continue
		}
		if !doc.HasLabels(filter.Labels) {
			continue
		}
		cfg, err := cloneConfig(doc)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}

	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Scope != configs[j].Scope {
			return configs[i].Scope < configs[j].Scope
		}
		return configs[i].Key < configs[j].Key
	})
	return configs, nil
}

// Archive снимает флаг active с текущей версии (scope, key).
func (r *MemoryConfigRepo) Archive(_ context.Context, scope, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.activeLocked(scope, key)
	if doc == nil {
		return ErrNotFound
	}
	doc.Active = false
	doc.UpdatedAt = r.now()
	return nil
}

// ArchiveByID снимает флаг active с документа.
func (r *MemoryConfigRepo) ArchiveByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok || !doc.Active {
		return ErrNotFound
	}
	doc.Active = false
	doc.UpdatedAt = r.now()
	return nil
}

func (r *MemoryConfigRepo) activeLocked(scope, key string) *domain.PipelineConfig {
	for _, doc := range r.docs {
		if doc.Active && doc.Scope == scope && doc.Key == key {
			return doc
		}
	}
	return nil
}

// cloneConfig копирует конфигурацию через JSON, чтобы вызывающий код
// не мог изменить хранимый документ.
func cloneConfig(cfg *domain.PipelineConfig) (*domain.PipelineConfig, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var out domain.PipelineConfig
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &out, nil
}
