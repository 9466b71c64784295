package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator token -> user id
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID stores the authenticated user on ctx
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user, if any
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a valid bearer token
type Middleware struct {
	authenticator Authenticator
	onError       func(w http.ResponseWriter, status int, message string)
}

// NewMiddleware creates auth middleware. onError writes the rejection body.
func NewMiddleware(a Authenticator, onError func(w http.ResponseWriter, status int, message string)) *Middleware {
	if onError == nil {
		onError = func(w http.ResponseWriter, status int, message string) {
			http.Error(w, message, status)
		}
	}
	return &Middleware{authenticator: a, onError: onError}
}

// RequireAuth wraps next; the user id is available via UserIDFromContext.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearerToken(r)
		if err != nil {
			m.onError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		userID, err := m.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			m.onError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// ExtractBearerToken reads "Authorization: Bearer <token>"
func ExtractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}
