package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/Conveyor/internal/domain"
)

func validConfig() *domain.PipelineConfig {
	return &domain.PipelineConfig{
		Scope:   "default",
		Key:     "start",
		Version: "1.2.0",
		Tasks: []domain.TaskConfig{
			domain.NewTask("split", domain.ModuleSpec{Name: "split_pages"}),
			domain.NewTask("children", domain.PipelinesSpec{{Scope: "default", Key: "ocr"}}),
		},
	}
}

// --- ValidateConfig Tests ---

func TestValidateConfig_Valid(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *domain.PipelineConfig)
		wantErr error
	}{
		{
			name:    "empty tasks",
			mutate:  func(cfg *domain.PipelineConfig) { cfg.Tasks = nil },
			wantErr: ErrEmptyTasks,
		},
		{
			name:    "missing key",
			mutate:  func(cfg *domain.PipelineConfig) { cfg.Key = "" },
			wantErr: ErrMissingScopeKey,
		},
		{
			name:    "bad version",
			mutate:  func(cfg *domain.PipelineConfig) { cfg.Version = "one" },
			wantErr: ErrInvalidVersion,
		},
		{
			name: "duplicate id",
			mutate: func(cfg *domain.PipelineConfig) {
				cfg.Tasks[1].ID = "split"
			},
			wantErr: ErrDuplicateTaskID,
		},
		{
			name: "empty id",
			mutate: func(cfg *domain.PipelineConfig) {
				cfg.Tasks[0].ID = ""
			},
			wantErr: ErrEmptyTaskID,
		},
		{
			name: "variant mismatch",
			mutate: func(cfg *domain.PipelineConfig) {
				cfg.Tasks[0].Type = domain.TaskTypeRemote
			},
			wantErr: ErrVariantMismatch,
		},
		{
			name: "missing spec",
			mutate: func(cfg *domain.PipelineConfig) {
				cfg.Tasks[0].Spec = nil
			},
			wantErr: ErrMissingField,
		},
		{
			name: "unknown type",
			mutate: func(cfg *domain.PipelineConfig) {
				cfg.Tasks[0].Type = "SHELL"
			},
			wantErr: ErrUnknownTaskType,
		},
		{
			name: "empty module name",
			mutate: func(cfg *domain.PipelineConfig) {
				cfg.Tasks[0].Spec = domain.ModuleSpec{}
			},
			wantErr: ErrMissingField,
		},
		{
			name: "reference without key",
			mutate: func(cfg *domain.PipelineConfig) {
				cfg.Tasks[1].Spec = domain.PipelinesSpec{{Scope: "default"}}
			},
			wantErr: ErrMissingField,
		},
		{
			name: "for_each on last task",
			mutate: func(cfg *domain.PipelineConfig) {
				cfg.Tasks[1].PostProcessing = &domain.PostProcessing{ForEach: "pages"}
			},
			wantErr: ErrInvalidForEach,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestValidateConfig_EmptyVersionAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Version = ""
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidationError_Message(t *testing.T) {
	err := NewValidationError("split", "module.name", "module.name is required", ErrMissingField)
	if err.Error() != "task split: module.name is required" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, ErrMissingField) {
		t.Error("should unwrap to ErrMissingField")
	}
}
