package modules

import (
	"context"
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
)

// Transform — модуль "transform": строит results из шаблонов.
//
// Params:
//
//	{
//	    "mappings": {
//	        "page_total": "{{ .Tasks.split.page_count }}",
//	        "document":   "{{ .TenantID }}/{{ .DocumentID }}"
//	    }
//	}
//
// Каждый mapping рендерится и разбирается как JSON значение, если это возможно.
type Transform struct{}

// NewTransform создаёт модуль transform.
func NewTransform() *Transform {
	return &Transform{}
}

func (m *Transform) Name() string { return "transform" }

// Run рендерит mappings.
func (m *Transform) Run(ctx context.Context, p *domain.TaskParameters) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mappings := parseMappings(p.TaskConfig.Params["mappings"])
	if len(mappings) == 0 {
		return map[string]any{}, nil
	}

	tmplCtx := engine.NewContext(p)
	results := make(map[string]any, len(mappings))
	for key, tmpl := range mappings {
		rendered, err := engine.Render(tmpl, tmplCtx)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", key, err)
		}
		results[key] = engine.ParseValue(rendered)
	}

	return results, nil
}

// parseMappings извлекает строковые mappings.
func parseMappings(raw any) map[string]string {
	switch m := raw.(type) {
	case map[string]string:
		return m
	case map[string]any:
		result := make(map[string]string, len(m))
		for key, val := range m {
			if s, ok := val.(string); ok {
				result[key] = s
			}
		}
		return result
	default:
		return nil
	}
}

// Noop — модуль "noop": возвращает params задачи как results.
type Noop struct{}

// NewNoop создаёт модуль noop.
func NewNoop() *Noop {
	return &Noop{}
}

func (m *Noop) Name() string { return "noop" }

// Run копирует params в results.
func (m *Noop) Run(_ context.Context, p *domain.TaskParameters) (map[string]any, error) {
	return domain.CloneMap(p.TaskConfig.Params), nil
}
