package auth

import (
	"context"
	"fmt"

	"github.com/charli-chat/charli-chat/types"
	"github.com/golang-jwt/jwt/v5"
)

// JWTResolver verifies first-party HS256 bearer tokens. The subject claim is
// the user id.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) Resolve(_ context.Context, token string) (string, error) {
	if len(r.secret) == 0 {
		return "", fmt.Errorf("no jwt secret configured: %w", types.ErrAuth)
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return r.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("jwt verification failed: %v: %w", err, types.ErrAuth)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("jwt has no subject: %w", types.ErrAuth)
	}
	return claims.Subject, nil
}

// SignToken issues an HS256 token for the given user id. Used by the admin
// CLI to mint credentials for testing and first-party clients.
func SignToken(secret, userId string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: userId})
	return token.SignedString([]byte(secret))
}
