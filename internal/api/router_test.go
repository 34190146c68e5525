package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-ai/tollgate/internal/api"
	mw "github.com/tollgate-ai/tollgate/internal/api/middleware"
	"github.com/tollgate-ai/tollgate/internal/cache"
	"github.com/tollgate-ai/tollgate/internal/metrics"
	"github.com/tollgate-ai/tollgate/internal/store"
)

// stubStore and stubCache satisfy the interfaces by embedding; the routing
// tests below reject before any backend call is made.
type stubStore struct{ store.Store }

type stubCache struct{ cache.Cache }

func newTestRouter(deps api.Dependencies) http.Handler {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	deps.Metrics = metrics.NewCollector()
	if deps.Auth == nil {
		deps.Auth = mw.NewAuth(stubStore{}, nil)
	}
	if deps.Usage == nil {
		deps.Usage = mw.NewUsage(stubStore{})
	}
	if deps.RateLimit == nil {
		deps.RateLimit = mw.NewRateLimit(stubCache{}, 60)
	}
	if deps.Access == nil {
		deps.Access = mw.NewAccess(stubStore{})
	}
	if deps.Balance == nil {
		deps.Balance = mw.NewBalance(stubStore{}, stubCache{}, deps.Metrics)
	}
	return api.NewRouter(deps)
}

func TestRouter_UnknownRouteIs404(t *testing.T) {
	r := newTestRouter(api.Dependencies{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v2/anything", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_ProtectedRoutesChallengeAnonymous(t *testing.T) {
	r := newTestRouter(api.Dependencies{})

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/agents/execute"},
		{"GET", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/8c7e4b7e-5a52-4f6b-9d9f-0e1f2a3b4c5d"},
		{"GET", "/api/v1/jobs/8c7e4b7e-5a52-4f6b-9d9f-0e1f2a3b4c5d/result"},
		{"POST", "/api/v1/jobs/8c7e4b7e-5a52-4f6b-9d9f-0e1f2a3b4c5d/cancel"},
		{"POST", "/api/v1/completions"},
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/jobs/pending"},
	}
	for _, route := range routes {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(route.method, route.path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestRouter_HealthIsOpen(t *testing.T) {
	r := newTestRouter(api.Dependencies{
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_MetricsMounted(t *testing.T) {
	r := newTestRouter(api.Dependencies{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_MissingHandlerAnswers501(t *testing.T) {
	r := newTestRouter(api.Dependencies{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	require.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_IMPLEMENTED")
}
