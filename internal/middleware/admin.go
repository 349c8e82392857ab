package middleware

import (
	"context"
	"net/http"
)

type AdminStore interface {
	IsAdmin(ctx context.Context, principalID string) (bool, bool, error)
	HasRole(ctx context.Context, principalID, role string) (bool, error)
}

// RequireAdmin admits super admins, and other admins holding role. An empty
// role admits any admin.
func RequireAdmin(adminStore AdminStore, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			isAdmin, isSuper, err := adminStore.IsAdmin(r.Context(), principalID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "admin_check_failed")
				return
			}
			if !isAdmin {
				writeError(w, http.StatusForbidden, "admin_required")
				return
			}
			if isSuper || role == "" {
				next.ServeHTTP(w, r)
				return
			}
			hasRole, err := adminStore.HasRole(r.Context(), principalID, role)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "role_check_failed")
				return
			}
			if !hasRole {
				writeError(w, http.StatusForbidden, "missing_role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RequireSuperAdmin(adminStore AdminStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			_, isSuper, err := adminStore.IsAdmin(r.Context(), principalID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "admin_check_failed")
				return
			}
			if !isSuper {
				writeError(w, http.StatusForbidden, "super_admin_required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
