package middleware

import (
	"net/http"
	"strings"

	"github.com/tollgate-ai/tollgate/internal/api/response"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

// Access is the per-endpoint grant check. Admin-prefixed routes skip it, as
// do identities carrying the admin scope.
type Access struct {
	store store.Store
}

func NewAccess(s store.Store) *Access {
	return &Access{store: s}
}

func (a *Access) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, AdminPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		rc, ok := FromRequest(r)
		if !ok || !rc.Authenticated() {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing authentication", nil)
			return
		}

		if rc.HasScope(models.ScopeAdmin) {
			next.ServeHTTP(w, r)
			return
		}

		endpoint := EndpointKey(r)
		allowed, err := a.store.HasEndpointAccess(r.Context(), rc.UserID, endpoint)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to check endpoint access", nil)
			return
		}
		if !allowed {
			response.Error(w, http.StatusForbidden,
				"ENDPOINT_FORBIDDEN", "You do not have access to this endpoint", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
