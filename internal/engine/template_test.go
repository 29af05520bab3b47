package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/shaiso/Conveyor/internal/domain"
)

func sampleParams() *domain.TaskParameters {
	task := domain.NewTask("extract", domain.PromptSpec{Template: "x"})
	task.Params = map[string]any{"language": "en", "text": "Hello World"}

	return &domain.TaskParameters{
		AppID:         "hhh",
		TenantID:      "t1",
		PatientID:     "p1",
		DocumentID:    "d1",
		PageNumber:    domain.IntPtr(2),
		RunID:         "run1",
		PipelineScope: "default",
		PipelineKey:   "start",
		TaskConfig:    task,
		Context: map[string]any{
			"source": "fax",
			"tasks": map[string]any{
				"split": map[string]any{"page_count": 3},
			},
		},
		Entities: []map[string]any{{"name": "aspirin"}},
	}
}

func TestNewContext(t *testing.T) {
	ctx := NewContext(nil)
	if ctx.Params == nil || ctx.Context == nil || ctx.Tasks == nil {
		t.Fatal("maps should be initialized for nil parameters")
	}

	ctx = NewContext(sampleParams())
	if ctx.PipelineID != "default:start" {
		t.Errorf("expected pipeline id default:start, got %s", ctx.PipelineID)
	}
	if ctx.PageNumber != 2 {
		t.Errorf("expected page 2, got %v", ctx.PageNumber)
	}
	if ctx.Tasks["split"] == nil {
		t.Error("task results should be exposed under Tasks")
	}
}

func TestRender(t *testing.T) {
	ctx := NewContext(sampleParams())

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"plain text", "Plain text", "Plain text"},
		{"document field", "doc {{ .DocumentID }} page {{ .PageNumber }}", "doc d1 page 2"},
		{"params", "{{ .Params.language }}", "en"},
		{"context", "{{ .Context.source }}", "fax"},
		{"task results", "{{ .Tasks.split.page_count }}", "3"},
		{"lower", "{{ lower .Params.text }}", "hello world"},
		{"upper", "{{ upper .Params.text }}", "HELLO WORLD"},
		{"contains", `{{ contains .Params.text "World" }}`, "true"},
		{"default with value", `{{ default "fallback" .Params.language }}`, "en"},
		{"default with nil", `{{ default "fallback" .Params.missing }}`, "fallback"},
		{"json", "{{ json .Entities }}", `[{"name":"aspirin"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("{{ .Invalid syntax", NewContext(nil))
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestRenderValue_Nested(t *testing.T) {
	ctx := NewContext(sampleParams())

	value := map[string]any{
		"document": "{{ .DocumentID }}",
		"items":    []any{"{{ .PatientID }}", 7},
		"headers":  map[string]string{"X-Tenant": "{{ .TenantID }}"},
	}

	rendered, err := RenderValue(value, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := rendered.(map[string]any)
	if m["document"] != "d1" {
		t.Errorf("expected d1, got %v", m["document"])
	}
	items := m["items"].([]any)
	if items[0] != "p1" || items[1] != 7 {
		t.Errorf("unexpected items: %v", items)
	}
	if m["headers"].(map[string]string)["X-Tenant"] != "t1" {
		t.Errorf("unexpected headers: %v", m["headers"])
	}
}

func TestRenderParams_Nil(t *testing.T) {
	params, err := RenderParams(nil, NewContext(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params == nil || len(params) != 0 {
		t.Errorf("expected empty map, got %v", params)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"42", int64(42)},
		{"1.5", 1.5},
		{"true", true},
		{"hello", "hello"},
	}

	for _, tt := range tests {
		if got := ParseValue(tt.in); got != tt.want {
			t.Errorf("ParseValue(%q) = %v (%T), want %v", tt.in, got, got, tt.want)
		}
	}

	obj, ok := ParseValue(`{"a":1}`).(map[string]any)
	if !ok || obj["a"] != float64(1) {
		t.Errorf("expected object, got %v", obj)
	}
	if s, ok := ParseValue("{not json").(string); !ok || !strings.HasPrefix(s, "{") {
		t.Errorf("invalid JSON should be returned as string, got %v", s)
	}
}
