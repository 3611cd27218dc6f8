package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/dromero/obralink/backend/pkg/utils"
)

type contextKey string

const userIDKey contextKey = "userID"

// Auth resolves the caller identity from the X-User-ID header or a bearer
// token. There is no credential verification yet; the identity only scopes
// sessions and quotas.
func Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				userID = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
			}
		}
		if userID == "" {
			utils.RespondError(w, http.StatusUnauthorized, "missing user identity")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WithUserID stores the caller identity on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the caller identity, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
