package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrMissingScopeKey — не указан scope или key pipeline.
	ErrMissingScopeKey = errors.New("pipeline scope and key are required")

	// ErrPipelineNotFound — конфигурация pipeline не найдена.
	ErrPipelineNotFound = errors.New("pipeline config not found")

	// ErrEmptyTasks — конфигурация не содержит задач.
	ErrEmptyTasks = errors.New("pipeline config must define at least one task")

	// ErrTaskNotFound — задача отсутствует в конфигурации pipeline.
	ErrTaskNotFound = errors.New("task not found in pipeline config")
)
