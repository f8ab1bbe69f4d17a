package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/listening-room-system/pkg/jwt"
	"github.com/listening-room-system/pkg/redis"
)

// Verifier resolves a handshake credential to a user id. Tokens are parsed
// locally, then checked against the Redis session store so revoked sessions
// fail even before the token expires.
type Verifier struct {
	tokens   *jwt.Manager
	sessions *redis.SessionStore
	timeout  time.Duration
}

func NewVerifier(tokens *jwt.Manager, sessions *redis.SessionStore, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{tokens: tokens, sessions: sessions, timeout: timeout}
}

func (v *Verifier) Verify(ctx context.Context, credential string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	claims, err := v.tokens.Validate(credential)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	session, err := v.sessions.GetSession(ctx, claims.UserID)
	if err != nil {
		return "", fmt.Errorf("session lookup failed: %w", err)
	}
	if time.Now().After(session.ExpiresAt) {
		return "", fmt.Errorf("session expired")
	}

	return claims.UserID, nil
}
