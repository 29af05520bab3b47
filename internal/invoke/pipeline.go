package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/notify"
	"github.com/shaiso/Conveyor/internal/queue"
)

// PipelineInvoker запускает дочерние pipelines через очередь.
//
// Для каждой ссылки ставит в очередь POST на start дочернего pipeline
// с тем же run_id. Перед постановкой записывает статус IN_PROGRESS для
// дочернего pipeline, при ошибке постановки — FAILED (best-effort).
type PipelineInvoker struct {
	queue   queue.Enqueuer
	status  StatusWriter
	baseURL string
	logger  *slog.Logger
}

// PipelineInvokerConfig — конфигурация PipelineInvoker.
type PipelineInvokerConfig struct {
	Queue queue.Enqueuer

	// Status — запись статусов; nil — статусы не записываются.
	Status StatusWriter

	// BaseURL — базовый адрес API этого сервиса.
	BaseURL string

	Logger *slog.Logger
}

// NewPipelineInvoker создаёт PipelineInvoker.
func NewPipelineInvoker(cfg PipelineInvokerConfig) *PipelineInvoker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineInvoker{
		queue:   cfg.Queue,
		status:  cfg.Status,
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// Run ставит в очередь запуск каждого дочернего pipeline.
func (i *PipelineInvoker) Run(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults {
	refs, ok := p.TaskConfig.Pipelines()
	if !ok {
		return wrongVariant(p, domain.TaskTypePipeline)
	}
	if len(refs) == 0 {
		return domain.Failed("no pipelines referenced", map[string]any{"error_type": ErrorTypeOther})
	}

	seen := make(map[string]int, len(refs))
	for _, ref := range refs {
		_, id := refTarget(ref)
		seen[id]++
	}

	queued := make([]any, 0, len(refs))
	for n, ref := range refs {
		scope, childID := refTarget(ref)
		refKey := "ref-" + strconv.Itoa(n)

		// Контекст ссылки перекрывает контекст родителя
		merged := domain.CloneMap(p.Context)
		for k, v := range ref.Context {
			merged[k] = v
		}
		child := p.ChildPipeline(merged)
		if seen[childID] > 1 {
			// Один и тот же pipeline несколько раз: у каждого запуска своя запись
			child.Branch = domain.JoinBranch(p.Branch, refKey)
		}

		i.writeChildStatus(ctx, p, childID, child, domain.StatusInProgress, nil)

		unit, err := queue.NewUnit(p.TaskConfig.QueueName(), domain.StartURL(i.baseURL, scope, ref.Key), child)
		if err == nil {
			unit.ID = queue.DedupeKey(p.RunID, p.PipelineID(), p.TaskConfig.ID, p.EntryKey(), refKey, childID)
			unit.Retry = p.TaskConfig.Invoke.Retry
			err = i.queue.Enqueue(ctx, unit)
		}
		if err != nil {
			msg := fmt.Sprintf("enqueue pipeline %s: %v", childID, err)
			i.writeChildStatus(ctx, p, childID, child, domain.StatusFailed, map[string]any{"error_message": msg})
			return domain.Failed(msg, map[string]any{
				"error_type":  ErrorTypeOther,
				"pipeline_id": childID,
				"queued":      queued,
			})
		}

		queued = append(queued, map[string]any{
			"pipeline_id": childID,
			"scope":       scope,
			"key":         ref.Key,
			"unit_id":     unit.ID,
		})
	}

	return domain.Succeeded(map[string]any{
		"pipelines": queued,
		"count":     len(queued),
	})
}

// writeChildStatus записывает статус дочернего pipeline (best-effort).
func (i *PipelineInvoker) writeChildStatus(ctx context.Context, p *domain.TaskParameters, childID string, child domain.PipelineParameters, status domain.Status, extra map[string]any) {
	if i.status == nil {
		return
	}

	meta := map[string]any{
		"parent_pipeline_id": p.PipelineID(),
		"parent_task_id":     p.TaskConfig.ID,
	}
	maps.Copy(meta, extra)

	u := domain.StatusUpdateFor(p, status, meta)
	u.Branch = child.Branch

	notify.BestEffort(ctx, "child_status", func(ctx context.Context) error {
		_, err := i.status.UpdatePipelineStatus(ctx, p.RunID, childID, u)
		return err
	}).Log(i.logger, "run_id", p.RunID, "pipeline_id", childID, "status", status)
}

// refTarget возвращает scope и pipeline_id ссылки; пустой scope — default.
func refTarget(ref domain.PipelineReference) (string, string) {
	scope := ref.Scope
	if scope == "" {
		scope = domain.DefaultScope
	}
	return scope, domain.PipelineID(scope, ref.Key)
}
