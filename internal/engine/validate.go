package engine

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/shaiso/Conveyor/internal/domain"
)

// ValidateConfig выполняет полную валидацию PipelineConfig.
//
// Проверяет:
// - Наличие scope, key и задач
// - Уникальность ID задач
// - Соответствие спецификации типу задачи
// - Обязательные поля спецификации
// - Семантическую версию (если указана)
func ValidateConfig(cfg *domain.PipelineConfig) error {
	if cfg == nil {
		return ErrEmptyTasks
	}

	if strings.TrimSpace(cfg.Scope) == "" || strings.TrimSpace(cfg.Key) == "" {
		return NewValidationError("", "scope", "pipeline scope and key are required", ErrMissingScopeKey)
	}

	if len(cfg.Tasks) == 0 {
		return NewValidationError("", "tasks", "pipeline must define at least one task", ErrEmptyTasks)
	}

	if cfg.Version != "" {
		if _, err := semver.NewVersion(cfg.Version); err != nil {
			return NewValidationError("", "version",
				fmt.Sprintf("version %q is not a semantic version: %v", cfg.Version, err), ErrInvalidVersion)
		}
	}

	taskIDs := make(map[string]bool, len(cfg.Tasks))
	for i := range cfg.Tasks {
		task := &cfg.Tasks[i]

		if err := ValidateTask(task, taskIDs); err != nil {
			return err
		}

		if task.ForEach() != "" && i == len(cfg.Tasks)-1 {
			return NewValidationError(task.ID, "post_processing.for_each",
				"for_each on the last task has nothing to fan out to", ErrInvalidForEach)
		}
	}

	return nil
}

// ValidateTask валидирует одну задачу.
// taskIDs — уже встреченные ID задач (для проверки уникальности).
func ValidateTask(task *domain.TaskConfig, taskIDs map[string]bool) error {
	if task.ID == "" {
		return NewValidationError("", "id", "task has empty ID", ErrEmptyTaskID)
	}

	if taskIDs[task.ID] {
		return NewValidationError(task.ID, "id",
			fmt.Sprintf("duplicate task ID: %s", task.ID), ErrDuplicateTaskID)
	}
	taskIDs[task.ID] = true

	if !task.Type.IsValid() {
		return NewValidationError(task.ID, "type",
			fmt.Sprintf("unknown task type: %q", task.Type), ErrUnknownTaskType)
	}

	if task.Spec == nil {
		return NewValidationError(task.ID, variantField(task.Type),
			fmt.Sprintf("task of type %s has no %s configuration", task.Type, variantField(task.Type)), ErrMissingField)
	}

	if task.Spec.TaskType() != task.Type {
		return NewValidationError(task.ID, "type",
			fmt.Sprintf("type %s does not match %s configuration", task.Type, task.Spec.TaskType()), ErrVariantMismatch)
	}

	return validateSpec(task)
}

// validateSpec проверяет обязательные поля спецификации.
func validateSpec(task *domain.TaskConfig) error {
	switch spec := task.Spec.(type) {
	case domain.ModuleSpec:
		if spec.Name == "" {
			return missing(task.ID, "module.name")
		}
	case domain.PipelinesSpec:
		if len(spec) == 0 {
			return missing(task.ID, "pipelines")
		}
		for i, ref := range spec {
			if ref.Scope == "" || ref.Key == "" {
				return missing(task.ID, fmt.Sprintf("pipelines[%d].scope/key", i))
			}
		}
	case domain.PromptSpec:
		if spec.Template == "" {
			return missing(task.ID, "prompt.template")
		}
	case domain.RemoteSpec:
		if spec.URL == "" {
			return missing(task.ID, "remote.url")
		}
	case domain.CallbackSpec:
		if spec.URL == "" {
			return missing(task.ID, "callback.url")
		}
	}
	return nil
}

func missing(taskID, field string) error {
	return NewValidationError(taskID, field, fmt.Sprintf("%s is required", field), ErrMissingField)
}

func variantField(t domain.TaskType) string {
	switch t {
	case domain.TaskTypeModule:
		return "module"
	case domain.TaskTypePipeline:
		return "pipelines"
	case domain.TaskTypePrompt:
		return "prompt"
	case domain.TaskTypeRemote:
		return "remote"
	default:
		return "callback"
	}
}
