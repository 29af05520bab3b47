package invoke

import (
	"context"
	"log/slog"
	"maps"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/queue"
)

// CallbackPayload — тело публикации результата pipeline.
type CallbackPayload struct {
	RunID      string           `json:"run_id"`
	PipelineID string           `json:"pipeline_id"`
	TaskID     string           `json:"task_id"`
	AppID      string           `json:"app_id"`
	TenantID   string           `json:"tenant_id"`
	PatientID  string           `json:"patient_id"`
	DocumentID string           `json:"document_id"`
	PageNumber *int             `json:"page_number,omitempty"`
	Entities   []map[string]any `json:"entities"`
	Context    map[string]any   `json:"context,omitempty"`
}

// CallbackInvoker публикует результат pipeline во внешний webhook через очередь.
//
// Публикация fire-and-forget: ошибка постановки логируется, задача
// считается выполненной с results.published = false. Повторная доставка —
// ответственность очереди.
type CallbackInvoker struct {
	queue   queue.Enqueuer
	headers map[string]string
	logger  *slog.Logger
}

// NewCallbackInvoker создаёт CallbackInvoker. headers добавляются к каждому запросу.
func NewCallbackInvoker(q queue.Enqueuer, headers map[string]string, logger *slog.Logger) *CallbackInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackInvoker{queue: q, headers: headers, logger: logger}
}

// Run ставит публикацию в очередь.
func (i *CallbackInvoker) Run(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults {
	spec, ok := p.TaskConfig.Callback()
	if !ok {
		return wrongVariant(p, domain.TaskTypePublishCallback)
	}

	tmplCtx := engine.NewContext(p)
	target, err := engine.Render(spec.URL, tmplCtx)
	if err != nil {
		return domain.Failed("render callback url: "+err.Error(), map[string]any{"error_type": ErrorTypeOther})
	}
	headers, err := engine.RenderHeaders(spec.Headers, tmplCtx)
	if err != nil {
		return domain.Failed("render callback headers: "+err.Error(), map[string]any{"error_type": ErrorTypeOther})
	}

	entities := p.Entities
	if entities == nil {
		entities = []map[string]any{}
	}

	payload := CallbackPayload{
		RunID:      p.RunID,
		PipelineID: p.PipelineID(),
		TaskID:     p.TaskConfig.ID,
		AppID:      p.AppID,
		TenantID:   p.TenantID,
		PatientID:  p.PatientID,
		DocumentID: p.DocumentID,
		PageNumber: p.PageNumber,
		Entities:   entities,
		Context:    p.Context,
	}

	unit, err := queue.NewUnit(p.TaskConfig.QueueName(), target, payload)
	if err != nil {
		return domain.Failed(err.Error(), map[string]any{"error_type": ErrorTypeOther})
	}
	unit.ID = queue.DedupeKey(p.RunID, p.PipelineID(), p.TaskConfig.ID, domain.PageKey(p.PageNumber), "callback")
	unit.Headers = make(map[string]string, len(i.headers)+len(headers))
	maps.Copy(unit.Headers, i.headers)
	maps.Copy(unit.Headers, headers)
	unit.Retry = p.TaskConfig.Invoke.Retry

	published := true
	if err := i.queue.Enqueue(ctx, unit); err != nil {
		published = false
		i.logger.Warn("callback publish failed",
			"run_id", p.RunID,
			"pipeline_id", p.PipelineID(),
			"task_id", p.TaskConfig.ID,
			"error", err,
		)
	}

	res := domain.Succeeded(map[string]any{
		"published":    published,
		"unit_id":      unit.ID,
		"entity_count": len(entities),
	})
	res.Metadata["url"] = target
	return res
}
