// Package auth issues and verifies the short-lived tokens sandboxes use
// to call back into the backend.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the aud claim carried by every sandbox token.
const Audience = "sandbox"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Token is a signed bearer token and its expiry.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenProvider issues per-agent tokens.
type TokenProvider interface {
	IssueToken(ctx context.Context, agentID string) (Token, error)
}

// JWTProvider issues HS256 JWTs whose subject is the agent ID.
type JWTProvider struct {
	secret   []byte
	duration time.Duration
	now      func() time.Time
}

// NewJWTProvider creates a provider. An empty secret gets a random one,
// which means tokens do not survive a restart.
func NewJWTProvider(secret string, duration time.Duration) *JWTProvider {
	if secret == "" {
		secret = generateRandomSecret()
	}
	if duration <= 0 {
		duration = time.Hour
	}
	return &JWTProvider{
		secret:   []byte(secret),
		duration: duration,
		now:      time.Now,
	}
}

// IssueToken signs a token for agentID.
func (p *JWTProvider) IssueToken(_ context.Context, agentID string) (Token, error) {
	if agentID == "" {
		return Token{}, fmt.Errorf("agent id is required")
	}

	now := p.now()
	expiresAt := now.Add(p.duration)
	claims := jwt.RegisteredClaims{
		Subject:   agentID,
		Audience:  jwt.ClaimStrings{Audience},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify validates tokenString and returns the agent ID it was issued for.
func (p *JWTProvider) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	},
		jwt.WithAudience(Audience),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func generateRandomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}
