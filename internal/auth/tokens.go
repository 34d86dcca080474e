// Package auth issues and verifies the two credential kinds the
// exchange accepts: short-lived JWT sessions for interactive callers
// and long-lived agent tokens for unattended ones.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionTTL       = 7 * 24 * time.Hour
	agentTokenPrefix = "agt_live_"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// HashToken is the only form in which an agent token touches the
// database; the plaintext is shown once at creation.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewAgentToken returns a fresh agent token in plaintext.
func NewAgentToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return agentTokenPrefix + hex.EncodeToString(b)
}

// IsAgentToken reports whether a bearer credential is an agent token
// rather than a JWT.
func IsAgentToken(token string) bool {
	return len(token) > len(agentTokenPrefix) && token[:len(agentTokenPrefix)] == agentTokenPrefix
}

// Signer mints and verifies session JWTs.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns an HS256 session token for accountID.
func (s *Signer) Sign(accountID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify returns the account ID a session token was issued to.
func (s *Signer) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
