package engine

import "errors"

// Ошибки валидации PipelineConfig.
var (
	// ErrEmptyTasks — pipeline не содержит задач.
	ErrEmptyTasks = errors.New("pipeline must define at least one task")

	// ErrMissingScopeKey — не указан scope или key.
	ErrMissingScopeKey = errors.New("pipeline scope and key are required")

	// ErrEmptyTaskID — задача не имеет ID.
	ErrEmptyTaskID = errors.New("task has empty ID")

	// ErrDuplicateTaskID — несколько задач с одинаковым ID.
	ErrDuplicateTaskID = errors.New("duplicate task ID")

	// ErrUnknownTaskType — неизвестный тип задачи.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrVariantMismatch — спецификация задачи не соответствует её типу.
	ErrVariantMismatch = errors.New("task variant does not match task type")

	// ErrMissingField — не заполнено обязательное поле спецификации задачи.
	ErrMissingField = errors.New("required task field is missing")

	// ErrInvalidVersion — version не является семантической версией.
	ErrInvalidVersion = errors.New("invalid semantic version")

	// ErrInvalidForEach — for_each задан у последней задачи.
	ErrInvalidForEach = errors.New("for_each requires a following task")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	TaskID  string // ID задачи, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return "task " + e.TaskID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(taskID, field, message string, err error) *ValidationError {
	return &ValidationError{
		TaskID:  taskID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
