package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type contextKey string

const requestContextKey contextKey = "request_context"

// AdminPrefix marks routes that skip the access and balance stages. Admin
// endpoints enforce the admin scope themselves.
const AdminPrefix = "/api/v1/admin"

// RequestContext carries identity and audit state across the middleware
// chain. The same pointer is visible to every stage, so a stage that wraps
// another observes its writes after the inner handler returns.
type RequestContext struct {
	CorrelationID string

	UserID    uuid.UUID
	Scopes    []string
	KeyPrefix string
	APIKeyID  *uuid.UUID

	RequestLogID   uuid.UUID
	Status         int
	ResponseBody   []byte
	CreditsCharged float64
}

// Authenticated reports whether an identity was resolved for the request.
func (rc *RequestContext) Authenticated() bool {
	return rc.UserID != uuid.Nil
}

// HasScope reports whether the resolved identity carries the given scope.
func (rc *RequestContext) HasScope(scope string) bool {
	for _, s := range rc.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok
}

func FromRequest(r *http.Request) (*RequestContext, bool) {
	return FromContext(r.Context())
}

// EnsureRequestContext returns the request's shared context, injecting a
// fresh one when absent. Callers must use the returned request for the rest
// of the chain.
func EnsureRequestContext(r *http.Request) (*RequestContext, *http.Request) {
	if rc, ok := FromRequest(r); ok {
		return rc, r
	}
	rc := &RequestContext{}
	return rc, r.WithContext(WithRequestContext(r.Context(), rc))
}

// EndpointKey returns the canonical endpoint identity used for grants, costs,
// and usage attribution. It prefers the chi route pattern over the raw path
// and trims everything from the first parameterized segment, so
// /api/v1/jobs/{jobID}/result keys as /api/v1/jobs.
func EndpointKey(r *http.Request) string {
	path := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			path = p
		}
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	kept := segments[:0]
	for _, seg := range segments {
		if strings.HasPrefix(seg, "{") || seg == "*" {
			break
		}
		kept = append(kept, seg)
	}
	return "/" + strings.Join(kept, "/")
}
