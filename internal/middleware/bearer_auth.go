package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/recipebox/backend/internal/models"
)

type contextKey string

const ctxAccountKey contextKey = "account"

// TokenVerifier is satisfied by *tokens.Issuer.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (uuid.UUID, error)
}

// AccountLookup resolves the account a verified token belongs to.
type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// RequireAccessToken authenticates requests carrying a Bearer access token and
// puts the account into the request context. Inactive or deleted accounts are
// rejected like a bad token.
func RequireAccessToken(verifier TokenVerifier, accounts AccountLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "authentication credentials were not provided")
				return
			}
			id, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "token is invalid or expired")
				return
			}
			acc, err := accounts.GetByID(r.Context(), id)
			if err != nil || !models.CanAuthenticate(acc) {
				writeError(w, http.StatusUnauthorized, "token is invalid or expired")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acc)))
		})
	}
}

// RequireStaff allows only staff or superuser accounts. It must run after
// RequireAccessToken.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acc := AccountFromCtx(r.Context())
		if acc == nil {
			writeError(w, http.StatusUnauthorized, "authentication credentials were not provided")
			return
		}
		if !models.IsAdmin(acc) {
			writeError(w, http.StatusForbidden, "staff access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AccountFromCtx returns the authenticated account or nil.
func AccountFromCtx(ctx context.Context) *models.Account {
	acc, _ := ctx.Value(ctxAccountKey).(*models.Account)
	return acc
}

// WithAccount returns a context carrying the given account.
func WithAccount(ctx context.Context, acc *models.Account) context.Context {
	return context.WithValue(ctx, ctxAccountKey, acc)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
