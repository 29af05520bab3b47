package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
)

// Ошибки аутентификации.
var (
	// ErrMissingToken — в запросе нет заголовка Authorization: Bearer.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken — токен не прошёл проверку.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Verifier проверяет ID токен. *oidc.IDTokenVerifier реализует этот интерфейс.
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// Identity — вызывающая сторона, извлечённая из токена.
type Identity struct {
	Subject string `json:"sub"`
	Issuer  string `json:"iss"`
	Email   string `json:"email,omitempty"`
}

// InboundConfig — настройки проверки входящих токенов.
type InboundConfig struct {
	// Issuer — URL OIDC провайдера.
	Issuer string

	// Audience — ожидаемый aud; пусто — не проверяется.
	Audience string
}

// NewVerifier создаёт Verifier через discovery OIDC провайдера.
func NewVerifier(ctx context.Context, cfg InboundConfig) (*oidc.IDTokenVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("auth issuer is not configured")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	return provider.Verifier(&oidc.Config{
		ClientID:          cfg.Audience,
		SkipClientIDCheck: cfg.Audience == "",
	}), nil
}

type identityKey struct{}

// WithIdentity добавляет Identity в context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom извлекает Identity из context.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticate проверяет bearer токен запроса и возвращает Identity.
func Authenticate(r *http.Request, v Verifier) (Identity, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return Identity{}, ErrMissingToken
	}

	token, err := v.Verify(r.Context(), strings.TrimSpace(raw))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := Identity{Subject: token.Subject, Issuer: token.Issuer}
	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err == nil {
		id.Email = claims.Email
	}
	return id, nil
}

// Middleware отклоняет запросы без валидного bearer токена.
//
// onError пишет ответ об ошибке; nil Verifier отключает проверку.
func Middleware(v Verifier, logger *slog.Logger, onError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if onError == nil {
		onError = func(w http.ResponseWriter, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}

	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(r, v)
			if err != nil {
				logger.Warn("request rejected", "path", r.URL.Path, "error", err)
				onError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
