package domain

import (
	"crypto/rand"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	runIDMu      sync.Mutex
	runIDEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewRunID генерирует run_id: ULID, который сортируется по времени создания.
func NewRunID() string {
	return NewRunIDAt(time.Now())
}

// NewRunIDAt генерирует run_id для указанного момента времени.
func NewRunIDAt(t time.Time) string {
	runIDMu.Lock()
	defer runIDMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), runIDEntropy).String()
}

// RunIDTime извлекает время создания из run_id.
// Для run_id, переданных вызывающей стороной не в формате ULID, возвращает false.
func RunIDTime(runID string) (time.Time, bool) {
	id, err := ulid.ParseStrict(runID)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}

// PipelineParameters — тело запроса на запуск pipeline.
type PipelineParameters struct {
	AppID      string           `json:"app_id"`
	TenantID   string           `json:"tenant_id"`
	PatientID  string           `json:"patient_id"`
	DocumentID string           `json:"document_id"`
	PageNumber *int             `json:"page_number,omitempty"`
	Branch     string           `json:"branch,omitempty"`
	RunID      string           `json:"run_id,omitempty"`
	Subject    string           `json:"subject,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`
	Entities   []map[string]any `json:"entities,omitempty"`
}

// TaskParameters — сообщение, передаваемое между шагами оркестрации.
//
// Каждый шаг создаёт новый экземпляр на основе предыдущего. Всё состояние
// pipeline путешествует через очередь внутри этого сообщения.
type TaskParameters struct {
	AppID         string           `json:"app_id"`
	TenantID      string           `json:"tenant_id"`
	PatientID     string           `json:"patient_id"`
	DocumentID    string           `json:"document_id"`
	PageNumber    *int             `json:"page_number,omitempty"`
	Branch        string           `json:"branch,omitempty"`
	RunID         string           `json:"run_id"`
	PipelineScope string           `json:"pipeline_scope"`
	PipelineKey   string           `json:"pipeline_key"`
	Subject       string           `json:"subject,omitempty"`
	TaskConfig    TaskConfig       `json:"task_config"`
	Context       map[string]any   `json:"context,omitempty"`
	Entities      []map[string]any `json:"entities,omitempty"`
}

// NewTaskParameters строит параметры первой задачи pipeline.
func NewTaskParameters(scope, key string, p PipelineParameters, task TaskConfig) TaskParameters {
	return TaskParameters{
		AppID:         p.AppID,
		TenantID:      p.TenantID,
		PatientID:     p.PatientID,
		DocumentID:    p.DocumentID,
		PageNumber:    copyInt(p.PageNumber),
		Branch:        p.Branch,
		RunID:         p.RunID,
		PipelineScope: scope,
		PipelineKey:   key,
		Subject:       p.Subject,
		TaskConfig:    task,
		Context:       CloneMap(p.Context),
		Entities:      cloneEntities(p.Entities),
	}
}

// PipelineID возвращает "{scope}:{key}" текущего pipeline.
func (p *TaskParameters) PipelineID() string {
	return PipelineID(p.PipelineScope, p.PipelineKey)
}

// EntryKey возвращает ключ записи статуса, к которой относится шаг.
func (p *TaskParameters) EntryKey() string {
	return EntryKey(p.PageNumber, p.Branch)
}

// Derive создаёт параметры для следующей задачи.
// Контекст и сущности копируются, исходное сообщение не изменяется.
func (p *TaskParameters) Derive(task TaskConfig) TaskParameters {
	next := *p
	next.PageNumber = copyInt(p.PageNumber)
	next.TaskConfig = task
	next.Context = CloneMap(p.Context)
	next.Entities = cloneEntities(p.Entities)
	return next
}

// ChildPipeline строит параметры запуска дочернего pipeline с тем же run_id.
func (p *TaskParameters) ChildPipeline(ctx map[string]any) PipelineParameters {
	return PipelineParameters{
		AppID:      p.AppID,
		TenantID:   p.TenantID,
		PatientID:  p.PatientID,
		DocumentID: p.DocumentID,
		PageNumber: copyInt(p.PageNumber),
		Branch:     p.Branch,
		RunID:      p.RunID,
		Subject:    p.Subject,
		Context:    ctx,
		Entities:   cloneEntities(p.Entities),
	}
}

// TaskResults — результат выполнения одной задачи.
//
// ErrorMessage заполнен тогда и только тогда, когда Success == false.
type TaskResults struct {
	Success         bool           `json:"success"`
	Results         map[string]any `json:"results,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Succeeded создаёт успешный результат.
func Succeeded(results map[string]any) *TaskResults {
	if results == nil {
		results = make(map[string]any)
	}
	return &TaskResults{Success: true, Results: results, Metadata: make(map[string]any)}
}

// Failed создаёт результат с ошибкой. Пустое сообщение заменяется на "unknown error".
func Failed(message string, metadata map[string]any) *TaskResults {
	if strings.TrimSpace(message) == "" {
		message = "unknown error"
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &TaskResults{Success: false, ErrorMessage: message, Metadata: metadata}
}

// Entities возвращает сущности из results["entities"].
func (r *TaskResults) Entities() []map[string]any {
	if r == nil || r.Results == nil {
		return nil
	}
	return toObjects(r.Results["entities"])
}

// Collection возвращает элементы коллекции results[name] для fan-out.
func (r *TaskResults) Collection(name string) []any {
	if r == nil || r.Results == nil {
		return nil
	}
	switch v := r.Results[name].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	case []int:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	default:
		return nil
	}
}

// CloneMap делает глубокую копию JSON-совместимой map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

func cloneEntities(in []map[string]any) []map[string]any {
	if in == nil {
		return nil
	}
	out := make([]map[string]any, len(in))
	for i := range in {
		out[i] = CloneMap(in[i])
	}
	return out
}

func toObjects(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr возвращает указатель на копию значения.
func IntPtr(v int) *int {
	return &v
}
