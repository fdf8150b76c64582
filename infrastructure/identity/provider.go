// Package identity acquires app-only bearer tokens for the search service
// via the OAuth2 client-credentials flow. Token caching and refresh are
// delegated to the oauth2 library's token source.
package identity

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"m365rag-backend/infrastructure/config"
)

// Provider implements ports.TokenProvider against the Microsoft identity
// platform using a fixed, non-interactive service identity.
type Provider struct {
	source oauth2.TokenSource
	logger *zap.Logger
}

// NewProvider creates a token provider for the configured tenant. The
// returned provider reuses one token source, so a cached token is served
// until it expires and the exchange only runs on a cache miss.
func NewProvider(cfg *config.Config, logger *zap.Logger) *Provider {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{cfg.GraphScope},
	}

	return &Provider{
		source: cc.TokenSource(context.Background()),
		logger: logger,
	}
}

// AccessToken returns a bearer token, or an empty string when acquisition
// fails. Failures are logged, never raised: the caller fails the request
// with an authentication error instead of retrying indefinitely.
func (p *Provider) AccessToken(ctx context.Context) string {
	token, err := p.source.Token()
	if err != nil {
		p.logger.Error("Token acquisition failed", zap.Error(err))
		return ""
	}
	return token.AccessToken
}
