package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultScope — namespace конфигураций по умолчанию.
const DefaultScope = "default"

// DefaultQueueName — очередь, в которую попадают задачи без явного invoke.queue_name.
const DefaultQueueName = "default"

// PipelineConfig — версионируемое описание pipeline.
//
// Pipeline — это упорядоченный список задач. Первая задача всегда
// является точкой входа. Документы конфигурации не перезаписываются:
// при обновлении предыдущая активная версия архивируется.
type PipelineConfig struct {
	// ID — серверный идентификатор документа конфигурации.
	ID string `json:"id,omitempty"`

	// Key — уникальный ключ в рамках scope.
	Key string `json:"key"`

	// Scope — логический namespace (по умолчанию "default").
	Scope string `json:"scope"`

	// Version — семантическая версия конфигурации.
	Version string `json:"version"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty"`

	// Tasks — упорядоченный список задач (не пустой).
	Tasks []TaskConfig `json:"tasks"`

	// OutputEntity — имя сущности, которую производит pipeline.
	OutputEntity string `json:"output_entity,omitempty"`

	// AutoPublishEntitiesEnabled — публиковать ли сущности автоматически (default: true).
	AutoPublishEntitiesEnabled *bool `json:"auto_publish_entities_enabled,omitempty"`

	// Labels — метки для фильтрации.
	Labels []string `json:"labels,omitempty"`

	// AppID — приложение, к которому привязана конфигурация.
	AppID string `json:"app_id,omitempty"`

	// Active — является ли документ текущей версией для (scope, key).
	Active bool `json:"active"`

	// ArchivedConfigID — ID документа, который был заменён этим при обновлении.
	ArchivedConfigID string `json:"archived_config_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PipelineID возвращает идентификатор pipeline в формате "{scope}:{key}".
func (c *PipelineConfig) PipelineID() string {
	return PipelineID(c.Scope, c.Key)
}

// AutoPublish возвращает значение auto_publish_entities_enabled с учётом default.
func (c *PipelineConfig) AutoPublish() bool {
	if c.AutoPublishEntitiesEnabled == nil {
		return true
	}
	return *c.AutoPublishEntitiesEnabled
}

// Task возвращает задачу по ID и её позицию в списке.
func (c *PipelineConfig) Task(id string) (*TaskConfig, int, bool) {
	for i := range c.Tasks {
		if c.Tasks[i].ID == id {
			return &c.Tasks[i], i, true
		}
	}
	return nil, -1, false
}

// Next возвращает задачу, следующую за задачей на позиции pos.
// false означает, что задача на позиции pos последняя.
func (c *PipelineConfig) Next(pos int) (*TaskConfig, bool) {
	if pos+1 >= len(c.Tasks) {
		return nil, false
	}
	return &c.Tasks[pos+1], true
}

// HasLabels проверяет, что конфигурация содержит все указанные метки.
func (c *PipelineConfig) HasLabels(labels []string) bool {
	have := make(map[string]struct{}, len(c.Labels))
	for _, l := range c.Labels {
		have[l] = struct{}{}
	}
	for _, l := range labels {
		if _, ok := have[l]; !ok {
			return false
		}
	}
	return true
}

// PipelineID формирует идентификатор pipeline.
func PipelineID(scope, key string) string {
	return scope + ":" + key
}

// TaskType — тип задачи pipeline.
type TaskType string

const (
	TaskTypeModule          TaskType = "MODULE"
	TaskTypePipeline        TaskType = "PIPELINE"
	TaskTypePrompt          TaskType = "PROMPT"
	TaskTypeRemote          TaskType = "REMOTE"
	TaskTypePublishCallback TaskType = "PUBLISH_CALLBACK"
)

// IsValid возвращает true для известных типов задач.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskTypeModule, TaskTypePipeline, TaskTypePrompt, TaskTypeRemote, TaskTypePublishCallback:
		return true
	default:
		return false
	}
}

// variantKey возвращает JSON-ключ, в котором хранится спецификация задачи данного типа.
func (t TaskType) variantKey() string {
	switch t {
	case TaskTypeModule:
		return "module"
	case TaskTypePipeline:
		return "pipelines"
	case TaskTypePrompt:
		return "prompt"
	case TaskTypeRemote:
		return "remote"
	case TaskTypePublishCallback:
		return "callback"
	default:
		return ""
	}
}

// Ошибки модели конфигурации.
var (
	// ErrUnknownTaskType — неизвестный тип задачи.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrVariantMismatch — заполненный вариант не соответствует типу задачи.
	ErrVariantMismatch = errors.New("task variant does not match task type")
)

// TaskSpec — типоспецифичная часть задачи.
//
// Реализации: ModuleSpec, PipelinesSpec, PromptSpec, RemoteSpec, CallbackSpec.
type TaskSpec interface {
	TaskType() TaskType
}

// ModuleSpec — задача, выполняющая встроенный модуль.
type ModuleSpec struct {
	Name string `json:"name"`
}

func (ModuleSpec) TaskType() TaskType { return TaskTypeModule }

// PipelinesSpec — задача, запускающая один или несколько дочерних pipelines.
type PipelinesSpec []PipelineReference

func (PipelinesSpec) TaskType() TaskType { return TaskTypePipeline }

// PipelineReference — ссылка на дочерний pipeline.
type PipelineReference struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`

	// Context переопределяет ключи контекста родителя.
	Context map[string]any `json:"context,omitempty"`
}

// PromptSpec — задача, вызывающая LLM.
type PromptSpec struct {
	Template    string  `json:"template"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

func (PromptSpec) TaskType() TaskType { return TaskTypePrompt }

// RemoteSpec — задача, вызывающая внешний HTTP endpoint.
type RemoteSpec struct {
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec float64           `json:"timeout_sec,omitempty"`
	Body       any               `json:"body,omitempty"`
}

func (RemoteSpec) TaskType() TaskType { return TaskTypeRemote }

// CallbackSpec — публикация результата pipeline во внешний webhook.
type CallbackSpec struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (CallbackSpec) TaskType() TaskType { return TaskTypePublishCallback }

// InvokeConfig — настройки постановки задачи в очередь.
type InvokeConfig struct {
	// QueueName — очередь для задачи (default: "default").
	QueueName string `json:"queue_name,omitempty"`

	// Retry — политика повторной доставки, применяемая очередью.
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// RetryPolicy — политика повторных попыток доставки.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty"`

	// OnStatus — HTTP статусы, при которых делать retry.
	OnStatus []int `json:"on_status,omitempty"`
}

// PostProcessing — пост-обработка результатов задачи.
type PostProcessing struct {
	// ForEach — имя коллекции в результатах задачи, по элементам которой
	// следующая задача ставится в очередь отдельно.
	ForEach string `json:"for_each,omitempty"`
}

// TaskConfig — узел pipeline.
//
// Спецификация хранится как вариант, ключом которого является Type.
// В JSON присутствует ровно один из ключей module/pipelines/prompt/remote/callback.
type TaskConfig struct {
	ID              string          `json:"-"`
	Type            TaskType        `json:"-"`
	Spec            TaskSpec        `json:"-"`
	Invoke          InvokeConfig    `json:"-"`
	Params          map[string]any  `json:"-"`
	PostProcessing  *PostProcessing `json:"-"`
	EntitySchemaRef string          `json:"-"`
}

// NewTask создаёт задачу; тип берётся из спецификации.
func NewTask(id string, spec TaskSpec) TaskConfig {
	return TaskConfig{ID: id, Type: spec.TaskType(), Spec: spec}
}

// QueueName возвращает очередь задачи с учётом default.
func (t *TaskConfig) QueueName() string {
	if t.Invoke.QueueName == "" {
		return DefaultQueueName
	}
	return t.Invoke.QueueName
}

// ForEach возвращает имя коллекции для fan-out или пустую строку.
func (t *TaskConfig) ForEach() string {
	if t.PostProcessing == nil {
		return ""
	}
	return t.PostProcessing.ForEach
}

// Module возвращает ModuleSpec, если задача типа MODULE.
func (t *TaskConfig) Module() (ModuleSpec, bool) {
	s, ok := t.Spec.(ModuleSpec)
	return s, ok
}

// Pipelines возвращает ссылки на pipelines, если задача типа PIPELINE.
func (t *TaskConfig) Pipelines() (PipelinesSpec, bool) {
	s, ok := t.Spec.(PipelinesSpec)
	return s, ok
}

// Prompt возвращает PromptSpec, если задача типа PROMPT.
func (t *TaskConfig) Prompt() (PromptSpec, bool) {
	s, ok := t.Spec.(PromptSpec)
	return s, ok
}

// Remote возвращает RemoteSpec, если задача типа REMOTE.
func (t *TaskConfig) Remote() (RemoteSpec, bool) {
	s, ok := t.Spec.(RemoteSpec)
	return s, ok
}

// Callback возвращает CallbackSpec, если задача типа PUBLISH_CALLBACK.
func (t *TaskConfig) Callback() (CallbackSpec, bool) {
	s, ok := t.Spec.(CallbackSpec)
	return s, ok
}

// taskWire — представление TaskConfig на проводе.
type taskWire struct {
	ID              string          `json:"id"`
	Type            TaskType        `json:"type"`
	Module          json.RawMessage `json:"module,omitempty"`
	Pipelines       json.RawMessage `json:"pipelines,omitempty"`
	Prompt          json.RawMessage `json:"prompt,omitempty"`
	Remote          json.RawMessage `json:"remote,omitempty"`
	Callback        json.RawMessage `json:"callback,omitempty"`
	Invoke          *InvokeConfig   `json:"invoke,omitempty"`
	Params          map[string]any  `json:"params,omitempty"`
	PostProcessing  *PostProcessing `json:"post_processing,omitempty"`
	EntitySchemaRef string          `json:"entity_schema_ref,omitempty"`
}

// MarshalJSON сериализует задачу, оставляя только ключ заполненного варианта.
func (t TaskConfig) MarshalJSON() ([]byte, error) {
	w := taskWire{
		ID:              t.ID,
		Type:            t.Type,
		Params:          t.Params,
		PostProcessing:  t.PostProcessing,
		EntitySchemaRef: t.EntitySchemaRef,
	}
	if t.Invoke.QueueName != "" || t.Invoke.Retry != nil {
		invoke := t.Invoke
		w.Invoke = &invoke
	}

	if t.Spec != nil {
		if t.Spec.TaskType() != t.Type {
			return nil, fmt.Errorf("task %s: %w", t.ID, ErrVariantMismatch)
		}
		raw, err := json.Marshal(t.Spec)
		if err != nil {
			return nil, fmt.Errorf("marshal task %s spec: %w", t.ID, err)
		}
		switch t.Type {
		case TaskTypeModule:
			w.Module = raw
		case TaskTypePipeline:
			w.Pipelines = raw
		case TaskTypePrompt:
			w.Prompt = raw
		case TaskTypeRemote:
			w.Remote = raw
		case TaskTypePublishCallback:
			w.Callback = raw
		}
	}

	return json.Marshal(w)
}

// UnmarshalJSON разбирает задачу и проверяет, что заполнен ровно тот вариант,
// который соответствует type.
func (t *TaskConfig) UnmarshalJSON(data []byte) error {
	var w taskWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	if !w.Type.IsValid() {
		return fmt.Errorf("task %s: %w: %q", w.ID, ErrUnknownTaskType, w.Type)
	}

	variants := map[string]json.RawMessage{
		"module":    w.Module,
		"pipelines": w.Pipelines,
		"prompt":    w.Prompt,
		"remote":    w.Remote,
		"callback":  w.Callback,
	}
	want := w.Type.variantKey()
	for key, raw := range variants {
		if key != want && isPresent(raw) {
			return fmt.Errorf("task %s: %w: type %s has %q populated", w.ID, ErrVariantMismatch, w.Type, key)
		}
	}

	spec, err := decodeSpec(w.Type, variants[want])
	if err != nil {
		return fmt.Errorf("task %s: %w", w.ID, err)
	}

	*t = TaskConfig{
		ID:              w.ID,
		Type:            w.Type,
		Spec:            spec,
		Params:          w.Params,
		PostProcessing:  w.PostProcessing,
		EntitySchemaRef: w.EntitySchemaRef,
	}
	if w.Invoke != nil {
		t.Invoke = *w.Invoke
	}
	return nil
}

// decodeSpec разбирает вариант задачи. Отсутствующий вариант даёт nil.
func decodeSpec(typ TaskType, raw json.RawMessage) (TaskSpec, error) {
	if !isPresent(raw) {
		return nil, nil
	}

	switch typ {
	case TaskTypeModule:
		var s ModuleSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode module: %w", err)
		}
		return s, nil
	case TaskTypePipeline:
		var s PipelinesSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode pipelines: %w", err)
		}
		return s, nil
	case TaskTypePrompt:
		var s PromptSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode prompt: %w", err)
		}
		return s, nil
	case TaskTypeRemote:
		var s RemoteSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode remote: %w", err)
		}
		return s, nil
	case TaskTypePublishCallback:
		var s CallbackSpec
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode callback: %w", err)
		}
		return s, nil
	}
	return nil, ErrUnknownTaskType
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
