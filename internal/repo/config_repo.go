package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// ConfigRepo — хранилище конфигураций pipelines в Postgres (таблица pipeline_configs).
type ConfigRepo struct {
	pool *pgxpool.Pool
}

// NewConfigRepo создаёт новый ConfigRepo.
func NewConfigRepo(pool *pgxpool.Pool) *ConfigRepo {
	return &ConfigRepo{pool: pool}
}

const configColumns = `
	id::text, scope, key, version, name, tasks, output_entity,
	auto_publish_entities_enabled, labels, app_id, active,
	archived_config_id::text, created_at, updated_at
`

// GetByScopeKey возвращает активную конфигурацию.
func (r *ConfigRepo) GetByScopeKey(ctx context.Context, scope, key string) (*domain.PipelineConfig, error) {
	query := `SELECT ` + configColumns + `
		FROM pipeline_configs
		WHERE scope = $1 AND key = $2 AND active
	`
	cfg, err := scanConfig(r.pool.QueryRow(ctx, query, scope, key))
	if err != nil {
		return nil, fmt.Errorf("get config %s:%s: %w", scope, key, err)
	}
	return cfg, nil
}

// GetByID возвращает документ конфигурации по ID.
func (r *ConfigRepo) GetByID(ctx context.Context, id string) (*domain.PipelineConfig, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	query := `SELECT ` + configColumns + `
		FROM pipeline_configs
		WHERE id = $1::uuid
	`
	cfg, err := scanConfig(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", id, err)
	}
	return cfg, nil
}

// CreateOrUpdate записывает новую активную версию конфигурации.
//
// В одной транзакции:
//  1. Блокирует текущую активную версию (scope, key)
//  2. Снимает с неё флаг active
//  3. Вставляет новый документ со ссылкой на архивированный
//
// Параллельное первое создание одной пары (scope, key) блокировать нечем:
// проигравшая транзакция получает ErrAlreadyExists.
func (r *ConfigRepo) CreateOrUpdate(ctx context.Context, cfg *domain.PipelineConfig) (*WriteResult, error) {
	tasksJSON, err := json.Marshal(cfg.Tasks)
	if err != nil {
		return nil, fmt.Errorf("marshal tasks: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Текущая активная версия
	var previousID *string
	err = tx.QueryRow(ctx, `
		SELECT id::text FROM pipeline_configs
		WHERE scope = $1 AND key = $2 AND active
		FOR UPDATE
	`, cfg.Scope, cfg.Key).Scan(&previousID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock active config: %w", err)
	}

	now := time.Now().UTC()

	// 2. Архивируем
	if previousID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE pipeline_configs SET active = false, updated_at = $2
			WHERE id = $1::uuid
		`, *previousID, now); err != nil {
			return nil, fmt.Errorf("archive config: %w", err)
		}
	}

	// 3. Новая версия
	stored := *cfg
	stored.ID = uuid.NewString()
	stored.Active = true
	stored.ArchivedConfigID = ""
	if previousID != nil {
		stored.ArchivedConfigID = *previousID
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO pipeline_configs (
			id, scope, key, version, name, tasks, output_entity,
			auto_publish_entities_enabled, labels, app_id, active,
			archived_config_id, created_at, updated_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, true, $11::uuid, $12, $12)
	`,
		stored.ID,
		stored.Scope,
		stored.Key,
		stored.Version,
		stored.Name,
		tasksJSON,
		nullString(stored.OutputEntity),
		stored.AutoPublishEntitiesEnabled,
		nonNilLabels(stored.Labels),
		nullString(stored.AppID),
		nullString(stored.ArchivedConfigID),
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert config %s:%s: %w", cfg.Scope, cfg.Key, mapInsertError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	result := &WriteResult{Config: &stored, Operation: OperationCreated}
	if previousID != nil {
		result.Operation = OperationUpdated
		result.ArchivedConfigID = *previousID
	}
	return result, nil
}

// List возвращает активные конфигурации.
// Метки фильтруются с AND-семантикой (labels @> $3).
func (r *ConfigRepo) List(ctx context.Context, filter ConfigFilter) ([]domain.PipelineConfig, error) {
	query := `SELECT ` + configColumns + `
		FROM pipeline_configs
		WHERE active
		  AND ($1 = '' OR scope = $1)
		  AND ($2 = '' OR app_id = $2)
		  AND labels @> $3::text[]
		ORDER BY scope, key
	`
	rows, err := r.pool.Query(ctx, query, filter.Scope, filter.AppID, nonNilLabels(filter.Labels))
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.PipelineConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// Archive снимает флаг active с текущей версии (scope, key).
func (r *ConfigRepo) Archive(ctx context.Context, scope, key string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE pipeline_configs SET active = false, updated_at = NOW()
		WHERE scope = $1 AND key = $2 AND active
	`, scope, key)
	if err != nil {
		return fmt.Errorf("archive config %s:%s: %w", scope, key, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveByID снимает флаг active с активного документа.
func (r *ConfigRepo) ArchiveByID(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE pipeline_configs SET active = false, updated_at = NOW()
		WHERE id = $1::uuid AND active
	`, id)
	if err != nil {
		return fmt.Errorf("archive config %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanConfig сканирует одну строку в PipelineConfig.
func scanConfig(row pgx.Row) (*domain.PipelineConfig, error) {
	var cfg domain.PipelineConfig
	var tasksJSON []byte
	var version, name, outputEntity, appID, archivedID *string

	err := row.Scan(
		&cfg.ID,
		&cfg.Scope,
		&cfg.Key,
		&version,
		&name,
		&tasksJSON,
		&outputEntity,
		&cfg.AutoPublishEntitiesEnabled,
		&cfg.Labels,
		&appID,
		&cfg.Active,
		&archivedID,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}

	if err := json.Unmarshal(tasksJSON, &cfg.Tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}

	cfg.Version = deref(version)
	cfg.Name = deref(name)
	cfg.OutputEntity = deref(outputEntity)
	cfg.AppID = deref(appID)
	cfg.ArchivedConfigID = deref(archivedID)
	return &cfg, nil
}

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNilLabels(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}

// uniqueViolation — SQLSTATE нарушения уникального индекса.
const uniqueViolation = "23505"

// mapInsertError переводит нарушение уникальности в ErrAlreadyExists.
func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}
