package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/deltayeb/iofteoi/pkg/httpx"
)

type contextKey int

const accountIDKey contextKey = 0

// AccountID returns the authenticated account ID, if any.
func AccountID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountIDKey).(string)
	return id, ok
}

// WithAccountID is exported for handler tests.
func WithAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// TokenResolver maps an agent token hash to its owning account.
type TokenResolver interface {
	AccountIDByTokenHash(ctx context.Context, tokenHash string) (string, error)
}

// Middleware authenticates the bearer credential on every request,
// accepting either a session JWT or an agent token.
func Middleware(signer *Signer, tokens TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := parseBearer(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "bearer token required", nil)
				return
			}
			var accountID string
			if IsAgentToken(token) {
				id, err := tokens.AccountIDByTokenHash(r.Context(), HashToken(token))
				if err != nil {
					httpx.WriteError(w, http.StatusUnauthorized, "invalid or revoked agent token", nil)
					return
				}
				accountID = id
			} else {
				id, err := signer.Verify(token)
				if err != nil {
					httpx.WriteError(w, http.StatusUnauthorized, "invalid or expired session", nil)
					return
				}
				accountID = id
			}
			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}

func parseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	return tok, tok != ""
}
