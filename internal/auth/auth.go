// Package auth supplies the bearer token used both for the push channel
// handshake and for REST calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no access token available")
	ErrTokenExpired = errors.New("access token expired")
)

// CredentialProvider is asked for a token before every connection attempt and
// every REST call, so a rotated token is picked up without a restart.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// FileToken re-reads Path on every call.
type FileToken struct {
	Path string
}

func (f FileToken) Token(ctx context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// CheckExpiry rejects JWTs whose exp lies before now. The signature is not
// verified here; that is the server's job. Tokens that are not JWTs pass.
func CheckExpiry(token string, now time.Time) error {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Fresh fetches a token from p and runs CheckExpiry against now().
func Fresh(ctx context.Context, p CredentialProvider, now func() time.Time) (string, error) {
	token, err := p.Token(ctx)
	if err != nil {
		return "", err
	}
	if err := CheckExpiry(token, now()); err != nil {
		return "", err
	}
	return token, nil
}
