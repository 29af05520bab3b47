package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// --- TaskConfig JSON Tests ---

func TestTaskConfig_MarshalOmitsOtherVariants(t *testing.T) {
	task := NewTask("split", ModuleSpec{Name: "split_pages"})
	task.PostProcessing = &PostProcessing{ForEach: "pages"}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := raw["module"]; !ok {
		t.Error("module key should be present")
	}
	for _, key := range []string{"pipelines", "prompt", "remote", "callback", "invoke"} {
		if _, ok := raw[key]; ok {
			t.Errorf("key %q should be omitted", key)
		}
	}
	if raw["type"] != "MODULE" {
		t.Errorf("expected type MODULE, got %v", raw["type"])
	}
}

func TestTaskConfig_UnmarshalVariants(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantType TaskType
		check    func(t *testing.T, task TaskConfig)
	}{
		{
			name:     "module",
			json:     `{"id":"a","type":"MODULE","module":{"name":"split_pages"}}`,
			wantType: TaskTypeModule,
			check: func(t *testing.T, task TaskConfig) {
				spec, ok := task.Module()
				if !ok || spec.Name != "split_pages" {
					t.Errorf("unexpected module spec: %+v", task.Spec)
				}
			},
		},
		{
			name:     "pipelines",
			json:     `{"id":"b","type":"PIPELINE","pipelines":[{"scope":"default","key":"ocr","context":{"x":1}}]}`,
			wantType: TaskTypePipeline,
			check: func(t *testing.T, task TaskConfig) {
				refs, ok := task.Pipelines()
				if !ok || len(refs) != 1 || refs[0].Key != "ocr" {
					t.Errorf("unexpected pipelines spec: %+v", task.Spec)
				}
			},
		},
		{
			name:     "remote with invoke",
			json:     `{"id":"c","type":"REMOTE","remote":{"url":"http://x"},"invoke":{"queue_name":"slow"}}`,
			wantType: TaskTypeRemote,
			check: func(t *testing.T, task TaskConfig) {
				if task.QueueName() != "slow" {
					t.Errorf("expected queue slow, got %s", task.QueueName())
				}
			},
		},
		{
			name:     "callback default queue",
			json:     `{"id":"d","type":"PUBLISH_CALLBACK","callback":{"url":"http://hook"}}`,
			wantType: TaskTypePublishCallback,
			check: func(t *testing.T, task TaskConfig) {
				if task.QueueName() != DefaultQueueName {
					t.Errorf("expected default queue, got %s", task.QueueName())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var task TaskConfig
			if err := json.Unmarshal([]byte(tt.json), &task); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if task.Type != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, task.Type)
			}
			tt.check(t, task)
		})
	}
}

func TestTaskConfig_UnmarshalWrongVariant(t *testing.T) {
	data := `{"id":"a","type":"MODULE","remote":{"url":"http://x"}}`

	var task TaskConfig
	err := json.Unmarshal([]byte(data), &task)
	if !errors.Is(err, ErrVariantMismatch) {
		t.Fatalf("expected ErrVariantMismatch, got %v", err)
	}
}

func TestTaskConfig_UnmarshalNullVariantIgnored(t *testing.T) {
	data := `{"id":"a","type":"MODULE","module":{"name":"noop"},"remote":null}`

	var task TaskConfig
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTaskConfig_UnmarshalUnknownType(t *testing.T) {
	var task TaskConfig
	err := json.Unmarshal([]byte(`{"id":"a","type":"SHELL"}`), &task)
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("expected ErrUnknownTaskType, got %v", err)
	}
}

func TestTaskConfig_MarshalMismatch(t *testing.T) {
	task := TaskConfig{ID: "a", Type: TaskTypeRemote, Spec: ModuleSpec{Name: "x"}}
	_, err := json.Marshal(task)
	if err == nil || !strings.Contains(err.Error(), ErrVariantMismatch.Error()) {
		t.Fatalf("expected variant mismatch error, got %v", err)
	}
}

func TestPipelineConfig_RoundTrip(t *testing.T) {
	cfg := PipelineConfig{
		Key:     "start",
		Scope:   DefaultScope,
		Version: "1.0.0",
		Tasks: []TaskConfig{
			NewTask("split", ModuleSpec{Name: "split_pages"}),
			NewTask("extract", PromptSpec{Template: "extract {{ .DocumentID }}"}),
		},
		Labels: []string{"a", "b"},
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded PipelineConfig
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(decoded.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(decoded.Tasks))
	}
	if p, ok := decoded.Tasks[1].Prompt(); !ok || p.Template != "extract {{ .DocumentID }}" {
		t.Errorf("prompt spec lost: %+v", decoded.Tasks[1].Spec)
	}
	if !decoded.AutoPublish() {
		t.Error("auto publish should default to true")
	}
}

// --- PipelineConfig helpers ---

func TestPipelineConfig_HasLabels(t *testing.T) {
	cfg := PipelineConfig{Labels: []string{"ocr", "medication", "v2"}}

	tests := []struct {
		labels []string
		want   bool
	}{
		{nil, true},
		{[]string{"ocr"}, true},
		{[]string{"ocr", "v2"}, true},
		{[]string{"ocr", "missing"}, false},
	}

	for _, tt := range tests {
		if got := cfg.HasLabels(tt.labels); got != tt.want {
			t.Errorf("HasLabels(%v) = %v, want %v", tt.labels, got, tt.want)
		}
	}
}

func TestPipelineConfig_Next(t *testing.T) {
	cfg := PipelineConfig{Tasks: []TaskConfig{
		NewTask("a", ModuleSpec{Name: "noop"}),
		NewTask("b", ModuleSpec{Name: "noop"}),
	}}

	_, pos, ok := cfg.Task("a")
	if !ok || pos != 0 {
		t.Fatalf("task a not found")
	}
	next, ok := cfg.Next(pos)
	if !ok || next.ID != "b" {
		t.Fatalf("expected next task b")
	}
	if _, ok := cfg.Next(1); ok {
		t.Error("last task should have no next")
	}
}
