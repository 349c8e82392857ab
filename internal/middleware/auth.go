package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"soundswap/internal/auth"
)

type contextKey string

const principalIDKey contextKey = "principal_id"

func PrincipalFromContext(ctx context.Context) (string, bool) {
	principalID, ok := ctx.Value(principalIDKey).(string)
	return principalID, ok && principalID != ""
}

// WithPrincipal stores an authenticated principal on ctx.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalIDKey, principalID)
}

// Auth verifies the bearer token and stores its principal on the request
// context. Browsers cannot set headers on websocket upgrades, so when
// allowQuery is set a ?token= parameter is accepted too.
func Auth(secret string, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, status := bearerToken(r, allowQuery)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, status)
				return
			}
			claims, err := auth.ParseToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), claims.UserID)))
		})
	}
}

func bearerToken(r *http.Request, allowQuery bool) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if allowQuery {
			if token := r.URL.Query().Get("token"); token != "" {
				return token, ""
			}
		}
		return "", "missing_authorization"
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", "invalid_authorization_header"
	}
	return parts[1], ""
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
