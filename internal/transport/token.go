package transport

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
)

// newTokenSource returns a caching client-credentials token source. Tokens
// are fetched lazily on the first request and refreshed when they expire.
func newTokenSource(ctx context.Context, cfg *config.OAuth2Config) oauth2.TokenSource {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cc.TokenSource(ctx)
}
