package auth

import (
	"context"
	"fmt"

	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/types"
	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCResolver verifies ID tokens against the configured OpenID Connect
// providers. The verified "email" claim is used as the user id.
// TODO: make the id claim configurable, it must stay unique across the user base.
type OIDCResolver struct {
	configs []config.OIDCConfig
}

func NewOIDCResolver(configs []config.OIDCConfig) *OIDCResolver {
	return &OIDCResolver{configs: configs}
}

func (r *OIDCResolver) Resolve(ctx context.Context, token string) (string, error) {
	if len(r.configs) == 0 {
		return "", fmt.Errorf("no oidc provider configured: %w", types.ErrAuth)
	}
	var lastErr error
	for _, oidcConf := range r.configs {
		provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
		if err != nil {
			globals.AppLogger.Error("could not reach oidc provider", "provider", oidcConf.Name, "error", err)
			lastErr = err
			continue
		}
		conf := oidc.Config{}
		if oidcConf.ClientId == "" {
			conf.SkipClientIDCheck = true
		} else {
			conf.ClientID = oidcConf.ClientId
		}
		verifiedToken, err := provider.Verifier(&conf).Verify(ctx, token)
		if err != nil {
			lastErr = err
			continue
		}
		claims := struct {
			Email string `json:"email"`
		}{}
		if err := verifiedToken.Claims(&claims); err != nil {
			lastErr = err
			continue
		}
		if claims.Email == "" {
			lastErr = fmt.Errorf("verified token has no email claim: %w", types.ErrAuth)
			continue
		}
		return claims.Email, nil
	}
	return "", fmt.Errorf("oidc verification failed: %v: %w", lastErr, types.ErrAuth)
}
