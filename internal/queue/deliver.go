package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"golang.org/x/oauth2"
)

const (
	defaultDeliveryTimeout = 30 * time.Second
	defaultInitialDelay    = time.Second
	defaultMaxDelay        = 30 * time.Second
	defaultMaxAttempts     = 3
)

// DeliveryError — неуспешная доставка единицы работы.
type DeliveryError struct {
	// StatusCode — HTTP код ответа; 0 — ошибка транспорта.
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("deliver unit: %v", e.Err)
	}
	return fmt.Sprintf("deliver unit: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retriable — ошибка транспорта, 429 или 5xx.
func (e *DeliveryError) Retriable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Deliverer выполняет HTTP запросы единиц работы.
type Deliverer struct {
	client *http.Client
	tokens oauth2.TokenSource
	policy *domain.RetryPolicy
	logger *slog.Logger
}

// DelivererConfig — конфигурация Deliverer.
type DelivererConfig struct {
	// Client — HTTP клиент (default: таймаут 30s).
	Client *http.Client

	// Tokens — источник bearer токенов для исходящих запросов (опционально).
	Tokens oauth2.TokenSource

	// DefaultRetry — политика для единиц без собственной политики
	// (default: 3 попытки, exponential, 1s..30s).
	DefaultRetry *domain.RetryPolicy

	Logger *slog.Logger
}

// NewDeliverer создаёт Deliverer.
func NewDeliverer(cfg DelivererConfig) *Deliverer {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultDeliveryTimeout}
	}

	policy := cfg.DefaultRetry
	if policy == nil {
		policy = &domain.RetryPolicy{MaxAttempts: defaultMaxAttempts, Backoff: "exponential"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Deliverer{client: client, tokens: cfg.Tokens, policy: policy, logger: logger}
}

// Deliver выполняет одну попытку доставки.
// 2xx/3xx — успех; остальное — *DeliveryError.
func (d *Deliverer) Deliver(ctx context.Context, u Unit) error {
	method := u.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(u.Payload) > 0 {
		body = bytes.NewReader(u.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.URL, body)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("create request: %w", err)}
	}

	for k, v := range u.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if u.ID != "" {
		req.Header.Set("X-Conveyor-Unit-Id", u.ID)
	}

	if d.tokens != nil && req.Header.Get("Authorization") == "" {
		tok, err := d.tokens.Token()
		if err != nil {
			return &DeliveryError{Err: fmt.Errorf("obtain token: %w", err)}
		}
		tok.SetAuthHeader(req)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

// DeliverWithRetry доставляет единицу работы с повторами согласно её политике.
// Возвращает последнюю ошибку после исчерпания попыток или при финальной ошибке.
func (d *Deliverer) DeliverWithRetry(ctx context.Context, u Unit) error {
	policy := u.Retry
	if policy == nil {
		policy = d.policy
	}

	maxAttempts := 1
	if policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = d.Deliver(ctx, u)
		if lastErr == nil {
			telemetry.DeliveriesTotal.WithLabelValues("delivered").Inc()
			return nil
		}

		if attempt >= maxAttempts || !shouldRetry(lastErr, policy) {
			break
		}

		delay := calculateBackoff(attempt, policy)
		d.logger.Debug("retrying unit delivery",
			"unit_id", u.ID,
			"url", u.URL,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		telemetry.DeliveriesTotal.WithLabelValues("retried").Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	telemetry.DeliveriesTotal.WithLabelValues("failed").Inc()
	return lastErr
}

// shouldRetry определяет, нужно ли повторить доставку.
//
// Если в политике задан OnStatus, HTTP ответы повторяются только для
// перечисленных кодов. Ошибки транспорта повторяются всегда.
func shouldRetry(err error, policy *domain.RetryPolicy) bool {
	var de *DeliveryError
	if !errors.As(err, &de) {
		return false
	}
	if de.StatusCode != 0 && len(policy.OnStatus) > 0 {
		return slices.Contains(policy.OnStatus, de.StatusCode)
	}
	return de.Retriable()
}

// calculateBackoff вычисляет задержку перед попыткой attempt+1.
func calculateBackoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}

	maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	delay := initialDelay
	if policy.Backoff == "exponential" {
		// delay = initialDelay * 2^(attempt-1)
		for i := 1; i < attempt && delay < maxDelay; i++ {
			delay *= 2
		}
	}

	return min(delay, maxDelay)
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
