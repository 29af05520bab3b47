package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Context — данные, доступные в шаблонах задач.
//
// Примеры:
//   - {{ .DocumentID }}, {{ .PageNumber }}
//   - {{ .Params.language }}
//   - {{ .Context.source }}
//   - {{ .Tasks.split.page_count }}
//   - {{ json .Entities }}
type Context struct {
	AppID      string
	TenantID   string
	PatientID  string
	DocumentID string
	PageNumber any
	RunID      string
	PipelineID string

	// Params — params текущей задачи.
	Params map[string]any

	// Context — накопленный контекст pipeline.
	Context map[string]any

	// Tasks — результаты предыдущих задач (context["tasks"]).
	Tasks map[string]any

	// Entities — сущности, произведённые предыдущими задачами.
	Entities []map[string]any
}

// NewContext строит контекст шаблона из параметров задачи.
func NewContext(p *domain.TaskParameters) *Context {
	ctx := &Context{
		Params:   map[string]any{},
		Context:  map[string]any{},
		Tasks:    map[string]any{},
		Entities: []map[string]any{},
	}
	if p == nil {
		return ctx
	}

	ctx.AppID = p.AppID
	ctx.TenantID = p.TenantID
	ctx.PatientID = p.PatientID
	ctx.DocumentID = p.DocumentID
	ctx.RunID = p.RunID
	ctx.PipelineID = p.PipelineID()
	if p.PageNumber != nil {
		ctx.PageNumber = *p.PageNumber
	}
	if p.TaskConfig.Params != nil {
		ctx.Params = p.TaskConfig.Params
	}
	if p.Context != nil {
		ctx.Context = p.Context
		if tasks, ok := p.Context[ContextTasksKey].(map[string]any); ok {
			ctx.Tasks = tasks
		}
	}
	if p.Entities != nil {
		ctx.Entities = p.Entities
	}
	return ctx
}

// ContextTasksKey — ключ контекста, под которым хранятся результаты задач.
const ContextTasksKey = "tasks"

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	"contains": strings.Contains,
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
	"replace":  strings.ReplaceAll,
}

// Render рендерит строковый шаблон с контекстом.
// Строки без "{{" возвращаются как есть.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, ctx *Context) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	case map[string]string:
		result := make(map[string]string, len(v))
		for key, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}

// RenderHeaders рендерит значения заголовков.
func RenderHeaders(headers map[string]string, ctx *Context) (map[string]string, error) {
	if len(headers) == 0 {
		return map[string]string{}, nil
	}
	rendered, err := RenderValue(headers, ctx)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]string), nil
}

// RenderParams рендерит map параметров.
func RenderParams(params map[string]any, ctx *Context) (map[string]any, error) {
	if params == nil {
		return make(map[string]any), nil
	}

	rendered, err := RenderValue(params, ctx)
	if err != nil {
		return nil, err
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrTemplateRender, rendered)
	}
	return result, nil
}

// ParseValue пытается разобрать отрендеренную строку как JSON-значение.
// Если не получается, возвращает строку как есть.
func ParseValue(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}

	switch trimmed[0] {
	case '{', '[', '"':
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
		return value
	}

	var num json.Number
	if err := json.Unmarshal([]byte(trimmed), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	}
	return value
}
