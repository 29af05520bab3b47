package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

const (
	defaultRemoteTimeout = 30 * time.Second
	maxResponseBytes     = 10 << 20
)

// errHTTPStatus — ответ с кодом >= 400.
var errHTTPStatus = errors.New("remote endpoint returned error status")

// RemoteInvoker вызывает внешние HTTP endpoints.
//
// Конфигурация задачи (RemoteSpec):
//   - url, headers, body — шаблоны над параметрами задачи
//   - method (default: POST)
//   - timeout_sec (default: 30)
//
// Без body отправляются параметры задачи целиком. Ответ разбирается как
// JSON объект, иначе оборачивается в {"response": ...}. HTTP >= 400 —
// неуспешный результат.
//
// Для каждого host держится circuit breaker: ошибки транспорта и 5xx
// открывают его, 4xx — нет.
type RemoteInvoker struct {
	client *http.Client
	tokens oauth2.TokenSource
	logger *slog.Logger

	settings gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// RemoteInvokerConfig — конфигурация RemoteInvoker.
type RemoteInvokerConfig struct {
	// Client — HTTP клиент; таймаут задаётся на запрос (default: http.Client{}).
	Client *http.Client

	// Tokens — источник bearer токенов (опционально).
	Tokens oauth2.TokenSource

	// FailureThreshold — подряд идущие ошибки до открытия breaker'а (default: 5).
	FailureThreshold uint32

	// OpenTimeout — время в открытом состоянии (default: 30s).
	OpenTimeout time.Duration

	Logger *slog.Logger
}

// NewRemoteInvoker создаёт RemoteInvoker.
func NewRemoteInvoker(cfg RemoteInvokerConfig) *RemoteInvoker {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteInvoker{
		client: client,
		tokens: cfg.Tokens,
		logger: logger,
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				var se *statusError
				return err == nil || (errors.As(err, &se) && se.code < 500)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "host", name, "from", from.String(), "to", to.String())
			},
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// remoteResponse — прочитанный ответ endpoint'а.
type remoteResponse struct {
	status      int
	contentType string
	body        []byte
}

// statusError — ответ с кодом >= 400.
type statusError struct {
	code int
	resp *remoteResponse
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, truncate(string(e.resp.body), 200))
}

func (e *statusError) Unwrap() error { return errHTTPStatus }

// Run выполняет HTTP запрос задачи.
func (i *RemoteInvoker) Run(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults {
	spec, ok := p.TaskConfig.Remote()
	if !ok {
		return wrongVariant(p, domain.TaskTypeRemote)
	}

	req, err := i.buildRequest(ctx, p, spec)
	if err != nil {
		return domain.Failed(err.Error(), map[string]any{"error_type": ErrorTypeOther})
	}

	meta := map[string]any{
		"url":    req.URL.Redacted(),
		"method": req.Method,
	}

	timeout := defaultRemoteTimeout
	if spec.TimeoutSec > 0 {
		timeout = time.Duration(spec.TimeoutSec * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := i.breaker(req.URL.Host).Execute(func() (interface{}, error) {
		return i.do(req.WithContext(ctx))
	})
	if err != nil {
		meta["error_type"] = classify(err)
		var se *statusError
		if errors.As(err, &se) {
			meta["status_code"] = se.code
			meta["response"] = parseBody(se.resp)
		}
		return domain.Failed(err.Error(), meta)
	}

	resp := out.(*remoteResponse)
	meta["status_code"] = resp.status

	res := domain.Succeeded(parseBody(resp))
	res.Metadata = meta
	return res
}

// buildRequest рендерит url, заголовки и тело запроса.
func (i *RemoteInvoker) buildRequest(ctx context.Context, p *domain.TaskParameters, spec domain.RemoteSpec) (*http.Request, error) {
	tmplCtx := engine.NewContext(p)

	target, err := engine.Render(spec.URL, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("render url: %w", err)
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", target, err)
	}

	headers, err := engine.RenderHeaders(spec.Headers, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("render headers: %w", err)
	}

	var payload any = p
	if spec.Body != nil {
		payload, err = engine.RenderValue(spec.Body, tmplCtx)
		if err != nil {
			return nil, fmt.Errorf("render body: %w", err)
		}
	}

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet && method != http.MethodDelete {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if i.tokens != nil && req.Header.Get("Authorization") == "" {
		tok, err := i.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	return req, nil
}

// do выполняет запрос и читает ответ.
func (i *RemoteInvoker) do(req *http.Request) (*remoteResponse, error) {
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &remoteResponse{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}
	if resp.StatusCode >= 400 {
		return nil, &statusError{code: resp.StatusCode, resp: out}
	}
	return out, nil
}

// breaker возвращает circuit breaker для host.
func (i *RemoteInvoker) breaker(host string) *gobreaker.CircuitBreaker {
	i.mu.Lock()
	defer i.mu.Unlock()

	cb, ok := i.breakers[host]
	if !ok {
		settings := i.settings
		settings.Name = host
		cb = gobreaker.NewCircuitBreaker(settings)
		i.breakers[host] = cb
	}
	return cb
}

// classify относит ошибку к timeout, client_error или other.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var urlErr *url.Error
	if errors.Is(err, errHTTPStatus) || errors.As(err, &urlErr) {
		return ErrorTypeClientError
	}
	return ErrorTypeOther
}

// parseBody разбирает JSON объект ответа; остальное оборачивает в {"response": ...}.
func parseBody(resp *remoteResponse) map[string]any {
	trimmed := bytes.TrimSpace(resp.body)
	looksJSON := strings.Contains(resp.contentType, "json") ||
		(len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['))

	if looksJSON && len(trimmed) > 0 {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			if obj, ok := v.(map[string]any); ok {
				return obj
			}
			return map[string]any{"response": v}
		}
	}

	return map[string]any{"response": string(resp.body)}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
