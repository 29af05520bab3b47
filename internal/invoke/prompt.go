package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"golang.org/x/oauth2"
)

// CompletionRequest — запрос к LLM.
type CompletionRequest struct {
	Prompt      string         `json:"prompt"`
	Model       string         `json:"model,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Completion — ответ LLM.
type Completion struct {
	Text  string         `json:"text"`
	Model string         `json:"model,omitempty"`
	Usage map[string]any `json:"usage,omitempty"`
}

// Completer — клиент LLM. Повторы и ограничения — его ответственность.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// PromptInvoker рендерит шаблон промпта, вызывает LLM и разбирает JSON ответ.
//
// Ответ-объект становится results задачи; ответ-массив — results.entities.
type PromptInvoker struct {
	completer Completer
}

// NewPromptInvoker создаёт PromptInvoker.
func NewPromptInvoker(completer Completer) *PromptInvoker {
	return &PromptInvoker{completer: completer}
}

// Run выполняет промпт.
func (i *PromptInvoker) Run(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults {
	spec, ok := p.TaskConfig.Prompt()
	if !ok {
		return wrongVariant(p, domain.TaskTypePrompt)
	}

	prompt, err := engine.Render(spec.Template, engine.NewContext(p))
	if err != nil {
		return domain.Failed(fmt.Sprintf("render prompt: %v", err), map[string]any{"error_type": ErrorTypeOther})
	}

	completion, err := i.completer.Complete(ctx, CompletionRequest{
		Prompt:      prompt,
		Model:       spec.Model,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
		Metadata: map[string]any{
			"run_id":      p.RunID,
			"pipeline_id": p.PipelineID(),
			"task_id":     p.TaskConfig.ID,
		},
	})
	if err != nil {
		return domain.Failed(fmt.Sprintf("completion: %v", err), map[string]any{"error_type": classify(err)})
	}

	results, err := parseCompletion(completion.Text)
	if err != nil {
		return domain.Failed(err.Error(), map[string]any{
			"error_type": ErrorTypeOther,
			"output":     truncate(completion.Text, 500),
		})
	}

	res := domain.Succeeded(results)
	res.Metadata["model"] = completion.Model
	if completion.Usage != nil {
		res.Metadata["usage"] = completion.Usage
	}
	if p.TaskConfig.EntitySchemaRef != "" {
		res.Metadata["entity_schema_ref"] = p.TaskConfig.EntitySchemaRef
	}
	return res
}

// parseCompletion разбирает JSON из ответа модели, допуская обрамление ```json.
func parseCompletion(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("prompt output is not valid JSON: %w", err)
	}

	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case []any:
		return map[string]any{"entities": t}, nil
	default:
		return nil, fmt.Errorf("prompt output must be a JSON object or array, got %T", v)
	}
}

// HTTPCompleter — Completer поверх HTTP шлюза LLM.
//
// POST {URL} с телом CompletionRequest, ответ — Completion.
type HTTPCompleter struct {
	url    string
	client *http.Client
	tokens oauth2.TokenSource
}

// NewHTTPCompleter создаёт HTTPCompleter.
func NewHTTPCompleter(url string, tokens oauth2.TokenSource, timeout time.Duration) *HTTPCompleter {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPCompleter{url: url, client: &http.Client{Timeout: timeout}, tokens: tokens}
}

// Complete отправляет запрос в шлюз.
func (c *HTTPCompleter) Complete(ctx context.Context, creq CompletionRequest) (*Completion, error) {
	if c.url == "" {
		return nil, errors.New("llm gateway url is not configured")
	}

	body, err := json.Marshal(creq)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", errHTTPStatus, resp.StatusCode, truncate(string(raw), 200))
	}

	var completion Completion
	if err := json.Unmarshal(raw, &completion); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	return &completion, nil
}
