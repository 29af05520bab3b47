package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/invoke"
	"github.com/shaiso/Conveyor/internal/notify"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/tracking"
)

// ConfigSource — источник конфигураций pipelines.
type ConfigSource interface {
	GetByScopeKey(ctx context.Context, scope, key string) (*domain.PipelineConfig, error)
}

// Orchestrator выполняет шаги pipelines.
//
// Состояния между шагами нет: всё, что нужно следующему шагу, передаётся
// в TaskParameters через очередь. Один экземпляр безопасен для
// конкурентного использования.
type Orchestrator struct {
	configs ConfigSource
	invoker invoke.Invoker
	queue   queue.Enqueuer
	status  invoke.StatusWriter
	baseURL string
	logger  *slog.Logger
}

// Config — конфигурация Orchestrator.
type Config struct {
	Configs ConfigSource

	// Invoker — таблица диспетчеризации задач.
	Invoker invoke.Invoker

	// Queue — очередь для следующих шагов.
	Queue queue.Enqueuer

	// Status — запись статусов pipelines.
	Status invoke.StatusWriter

	// BaseURL — базовый адрес API этого сервиса.
	BaseURL string

	Logger *slog.Logger
}

// New создаёт Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		configs: cfg.Configs,
		invoker: cfg.Invoker,
		queue:   cfg.Queue,
		status:  cfg.Status,
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// HopResult — итог одного шага.
type HopResult struct {
	RunID      string              `json:"run_id"`
	PipelineID string              `json:"pipeline_id"`
	TaskID     string              `json:"task_id"`
	PageNumber *int                `json:"page_number,omitempty"`
	Branch     string              `json:"branch,omitempty"`
	Results    *domain.TaskResults `json:"results"`

	// Scheduled — ID единиц работы, поставленных в очередь.
	Scheduled []string `json:"scheduled"`

	// Completed — ветка pipeline завершена этим шагом (успешно или нет).
	Completed bool `json:"completed"`

	// Skipped — задача не выполнялась (публикация отключена конфигурацией).
	Skipped bool `json:"skipped,omitempty"`
}

// Start запускает pipeline: выполняет первую задачу и ставит в очередь следующую.
//
// Возвращает параметры запуска с заполненным run_id.
func (o *Orchestrator) Start(ctx context.Context, scope, key string, params domain.PipelineParameters) (domain.PipelineParameters, error) {
	if scope == "" || key == "" {
		return params, ErrMissingScopeKey
	}

	cfg, err := o.resolve(ctx, scope, key)
	if err != nil {
		telemetry.HopsTotal.WithLabelValues("start", "rejected").Inc()
		return params, err
	}

	if params.RunID == "" {
		params.RunID = domain.NewRunID()
	}

	tp := domain.NewTaskParameters(scope, key, params, cfg.Tasks[0])
	logger := o.hopLogger(&tp)

	notify.BestEffort(ctx, "start_status", func(ctx context.Context) error {
		_, err := o.status.UpdatePipelineStatus(ctx, tp.RunID, tp.PipelineID(),
			domain.StatusUpdateFor(&tp, domain.StatusInProgress, nil))
		return err
	}).Log(logger)

	logger.Info("pipeline started", "tasks", len(cfg.Tasks), "version", cfg.Version)

	if _, err := o.hop(ctx, cfg, 0, tp, logger); err != nil {
		telemetry.HopsTotal.WithLabelValues("start", "error").Inc()
		return params, err
	}
	telemetry.HopsTotal.WithLabelValues("start", "ok").Inc()
	return params, nil
}

// RunTask выполняет задачу, доставленную очередью.
//
// Задача разрешается по ID из актуальной конфигурации pipeline.
func (o *Orchestrator) RunTask(ctx context.Context, tp domain.TaskParameters) (*HopResult, error) {
	if tp.PipelineScope == "" || tp.PipelineKey == "" {
		return nil, ErrMissingScopeKey
	}

	cfg, err := o.resolve(ctx, tp.PipelineScope, tp.PipelineKey)
	if err != nil {
		telemetry.HopsTotal.WithLabelValues("run_task", "rejected").Inc()
		return nil, err
	}

	_, pos, ok := cfg.Task(tp.TaskConfig.ID)
	if !ok {
		telemetry.HopsTotal.WithLabelValues("run_task", "rejected").Inc()
		return nil, fmt.Errorf("%w: %s in %s", ErrTaskNotFound, tp.TaskConfig.ID, cfg.PipelineID())
	}

	hop, err := o.hop(ctx, cfg, pos, tp, o.hopLogger(&tp))
	if err != nil {
		telemetry.HopsTotal.WithLabelValues("run_task", "error").Inc()
		return hop, err
	}
	telemetry.HopsTotal.WithLabelValues("run_task", "ok").Inc()
	return hop, nil
}

// resolve загружает конфигурацию и проверяет, что в ней есть задачи.
func (o *Orchestrator) resolve(ctx context.Context, scope, key string) (*domain.PipelineConfig, error) {
	cfg, err := o.configs.GetByScopeKey(ctx, scope, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, domain.PipelineID(scope, key))
		}
		return nil, fmt.Errorf("get pipeline config: %w", err)
	}
	if len(cfg.Tasks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTasks, domain.PipelineID(scope, key))
	}
	return cfg, nil
}

// hop выполняет задачу на позиции pos и планирует продолжение.
func (o *Orchestrator) hop(ctx context.Context, cfg *domain.PipelineConfig, pos int, tp domain.TaskParameters, logger *slog.Logger) (*HopResult, error) {
	task := cfg.Tasks[pos]
	tp.TaskConfig = task

	hop := &HopResult{
		RunID:      tp.RunID,
		PipelineID: tp.PipelineID(),
		TaskID:     task.ID,
		PageNumber: tp.PageNumber,
		Branch:     tp.Branch,
		Scheduled:  []string{},
	}

	if task.Type == domain.TaskTypePublishCallback && !cfg.AutoPublish() {
		hop.Skipped = true
		hop.Results = domain.Succeeded(map[string]any{"skipped": true})
		logger.Debug("callback skipped, auto publish disabled")
	} else {
		hop.Results = o.invoker.Run(ctx, &tp)
	}

	if !hop.Results.Success {
		hop.Completed = true
		meta := map[string]any{
			"task_id":       task.ID,
			"error_message": hop.Results.ErrorMessage,
		}
		if et, ok := hop.Results.Metadata["error_type"]; ok {
			meta["error_type"] = et
		}
		if err := o.writeStatus(ctx, &tp, domain.StatusFailed, meta, logger); err != nil {
			return hop, fmt.Errorf("record task failure: %w", err)
		}
		return hop, nil
	}

	carried := carryForward(tp, task.ID, hop.Results)

	next, ok := cfg.Next(pos)
	if !ok {
		hop.Completed = true
		if err := o.writeStatus(ctx, &tp, domain.StatusCompleted, map[string]any{"task_id": task.ID}, logger); err != nil {
			return hop, fmt.Errorf("record completion: %w", err)
		}
		logger.Info("pipeline branch completed")
		return hop, nil
	}

	if collection := task.ForEach(); collection != "" {
		if err := o.fanOut(ctx, hop, carried, *next, hop.Results.Collection(collection), logger); err != nil {
			return hop, err
		}
		hop.Completed = true
		meta := map[string]any{"task_id": task.ID, "fan_out": len(hop.Scheduled)}
		if err := o.writeStatus(ctx, &tp, domain.StatusCompleted, meta, logger); err != nil {
			return hop, fmt.Errorf("record fan-out completion: %w", err)
		}
		return hop, nil
	}

	nextParams := carried.Derive(*next)
	id, err := o.schedule(ctx, nextParams, "")
	if err != nil {
		return hop, err
	}
	hop.Scheduled = append(hop.Scheduled, id)
	logger.Debug("next task scheduled", "next_task_id", next.ID, "unit_id", id)
	return hop, nil
}

// fanOut ставит в очередь следующую задачу отдельно для каждого элемента коллекции.
//
// Элемент кладётся в context.item; его page_number становится номером
// страницы ветки. Ветка без собственной страницы получает сегмент
// "item-{i}", так что у каждой ветки своя запись статуса. IN_PROGRESS
// ветки записывается до постановки в очередь и до финальной записи
// родителя.
func (o *Orchestrator) fanOut(ctx context.Context, hop *HopResult, base domain.TaskParameters, next domain.TaskConfig, items []any, logger *slog.Logger) error {
	for i, item := range items {
		suffix := "item-" + strconv.Itoa(i)

		branch := base.Derive(next)
		branch.Context["item"] = item
		if page, ok := pageNumber(item); ok {
			branch.PageNumber = &page
		}
		if branch.EntryKey() == base.EntryKey() {
			branch.Branch = domain.JoinBranch(base.Branch, suffix)
		}

		_, err := o.status.UpdatePipelineStatus(ctx, branch.RunID, branch.PipelineID(),
			domain.StatusUpdateFor(&branch, domain.StatusInProgress, map[string]any{"task_id": next.ID}))
		if errors.Is(err, tracking.ErrTerminalStatus) {
			// Повторная доставка: ветка уже завершена
			logger.Debug("branch already final, not rescheduled", "entry", branch.EntryKey())
			continue
		}
		if err != nil {
			return fmt.Errorf("record branch %s: %w", branch.EntryKey(), err)
		}

		id, err := o.schedule(ctx, branch, suffix)
		if err != nil {
			return err
		}
		hop.Scheduled = append(hop.Scheduled, id)
	}

	logger.Info("fan-out scheduled", "next_task_id", next.ID, "branches", len(items))
	return nil
}

// schedule ставит в очередь вызов run-task для tp.
func (o *Orchestrator) schedule(ctx context.Context, tp domain.TaskParameters, suffix string) (string, error) {
	target := domain.RunTaskURL(o.baseURL, tp.PipelineScope, tp.PipelineKey, tp.TaskConfig.ID)

	unit, err := queue.NewUnit(tp.TaskConfig.QueueName(), target, tp)
	if err != nil {
		return "", fmt.Errorf("build unit for %s: %w", tp.TaskConfig.ID, err)
	}
	unit.ID = queue.DedupeKey(tp.RunID, tp.PipelineID(), tp.TaskConfig.ID, tp.EntryKey(), suffix)
	unit.Retry = tp.TaskConfig.Invoke.Retry

	if err := o.queue.Enqueue(ctx, unit); err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", tp.TaskConfig.ID, err)
	}
	return unit.ID, nil
}

// writeStatus записывает финальный статус ветки.
//
// Повторная доставка шага может встретить уже финальную запись с другим
// статусом: это логируется и не считается ошибкой шага.
func (o *Orchestrator) writeStatus(ctx context.Context, tp *domain.TaskParameters, status domain.Status, meta map[string]any, logger *slog.Logger) error {
	_, err := o.status.UpdatePipelineStatus(ctx, tp.RunID, tp.PipelineID(), domain.StatusUpdateFor(tp, status, meta))
	if errors.Is(err, tracking.ErrTerminalStatus) {
		logger.Warn("status already final, keeping it", "status", status, "error", err)
		return nil
	}
	return err
}

func (o *Orchestrator) hopLogger(tp *domain.TaskParameters) *slog.Logger {
	logger := telemetry.WithTaskID(telemetry.WithRunID(o.logger, tp.RunID), tp.TaskConfig.ID)
	return telemetry.WithPipelineID(logger, tp.PipelineID())
}

// carryForward переносит результаты задачи в context.tasks и добавляет сущности.
func carryForward(tp domain.TaskParameters, taskID string, res *domain.TaskResults) domain.TaskParameters {
	out := tp.Derive(tp.TaskConfig)

	tasks, _ := out.Context[engine.ContextTasksKey].(map[string]any)
	if tasks == nil {
		tasks = make(map[string]any)
	}
	tasks[taskID] = domain.CloneMap(res.Results)
	out.Context[engine.ContextTasksKey] = tasks

	out.Entities = append(out.Entities, res.Entities()...)
	return out
}

// pageNumber извлекает item.page_number, если он есть.
func pageNumber(item any) (int, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := m["page_number"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}
