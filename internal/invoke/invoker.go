package invoke

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/tracking"
)

// Значения metadata.error_type.
const (
	ErrorTypeTimeout     = "timeout"
	ErrorTypeClientError = "client_error"
	ErrorTypeOther       = "other"
)

// Invoker выполняет задачи одного типа.
//
// Ожидаемые ошибки возвращаются как TaskResults{Success: false};
// паника означает ошибку программирования и не перехватывается.
type Invoker interface {
	Run(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults
}

// InvokerFunc адаптирует функцию к интерфейсу Invoker.
type InvokerFunc func(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults

// Run вызывает f(ctx, p).
func (f InvokerFunc) Run(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults {
	return f(ctx, p)
}

// StatusWriter записывает статусы pipelines.
type StatusWriter interface {
	UpdatePipelineStatus(ctx context.Context, runID, pipelineID string, u domain.StatusUpdate) (*tracking.UpsertResult, error)
}

// Table — таблица диспетчеризации: тип задачи → Invoker.
type Table struct {
	invokers map[domain.TaskType]Invoker
	logger   *slog.Logger
}

// NewTable создаёт пустую таблицу.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{invokers: make(map[domain.TaskType]Invoker), logger: logger}
}

// Register назначает Invoker для типа задачи.
func (t *Table) Register(typ domain.TaskType, inv Invoker) *Table {
	t.invokers[typ] = inv
	return t
}

// Has проверяет, есть ли Invoker для типа задачи.
func (t *Table) Has(typ domain.TaskType) bool {
	_, ok := t.invokers[typ]
	return ok
}

// Run выполняет задачу через Invoker её типа и проставляет execution_time_ms.
func (t *Table) Run(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults {
	typ := p.TaskConfig.Type
	start := time.Now()

	var res *domain.TaskResults
	if inv, ok := t.invokers[typ]; ok {
		res = inv.Run(ctx, p)
	} else {
		res = domain.Failed(fmt.Sprintf("no invoker for task type %q", typ), map[string]any{
			"error_type": ErrorTypeOther,
		})
	}
	if res == nil {
		res = domain.Failed(fmt.Sprintf("invoker for %s returned no result", typ), nil)
	}

	elapsed := time.Since(start)
	res.ExecutionTimeMs = elapsed.Milliseconds()

	telemetry.InvocationsTotal.WithLabelValues(string(typ), strconv.FormatBool(res.Success)).Inc()
	telemetry.InvocationDuration.WithLabelValues(string(typ)).Observe(elapsed.Seconds())

	logger := telemetry.WithTaskID(telemetry.WithRunID(t.logger, p.RunID), p.TaskConfig.ID)
	if res.Success {
		logger.Debug("task invoked", "type", typ, "duration_ms", res.ExecutionTimeMs)
	} else {
		logger.Warn("task failed",
			"type", typ,
			"pipeline_id", p.PipelineID(),
			"error", res.ErrorMessage,
			"duration_ms", res.ExecutionTimeMs,
		)
	}

	return res
}

// wrongVariant — результат для задачи, чья спецификация не соответствует Invoker'у.
func wrongVariant(p *domain.TaskParameters, want domain.TaskType) *domain.TaskResults {
	return domain.Failed(
		fmt.Sprintf("task %s: expected %s spec, got %s", p.TaskConfig.ID, want, p.TaskConfig.Type),
		map[string]any{"error_type": ErrorTypeOther},
	)
}
