package auth

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OutboundConfig — источник токенов для исходящих вызовов.
//
// StaticToken имеет приоритет; иначе при заданных ClientID и TokenURL
// используется client credentials flow.
type OutboundConfig struct {
	StaticToken  string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Audience     string
	Scopes       []string
}

// TokenSource возвращает источник токенов или nil, если исходящая
// аутентификация не настроена.
func TokenSource(ctx context.Context, cfg OutboundConfig) oauth2.TokenSource {
	if cfg.StaticToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.StaticToken, TokenType: "Bearer"})
	}
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return nil
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	if cfg.Audience != "" {
		cc.EndpointParams = map[string][]string{"audience": {cfg.Audience}}
	}
	return cc.TokenSource(ctx)
}
