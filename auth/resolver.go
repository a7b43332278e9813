package auth

import (
	"context"
	"fmt"

	"github.com/charli-chat/charli-chat/types"
)

// Resolver turns a bearer credential into a verified user id. Implementations
// fail closed: an empty user id is never returned without an error.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// ChainResolver tries each resolver in order and returns the first verified
// identity. Resolvers that cannot handle the token shape should return an
// error wrapping types.ErrAuth so the chain moves on.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty credential: %w", types.ErrAuth)
	}
	var lastErr error
	for _, r := range c {
		userId, err := r.Resolve(ctx, token)
		if err == nil && userId != "" {
			return userId, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolver accepted the credential: %w", types.ErrAuth)
	}
	return "", lastErr
}
