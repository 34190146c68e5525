package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/tollgate-ai/tollgate/internal/api/middleware"
	"github.com/tollgate-ai/tollgate/internal/assistant"
	"github.com/tollgate-ai/tollgate/internal/executor"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

// --- mock Runner ---

type mockRunner struct {
	submitFn func(req executor.SubmitRequest) (uuid.UUID, error)
	statusFn func(userID uuid.UUID, admin bool, jobID uuid.UUID) (*executor.StatusInfo, error)
	resultFn func(userID uuid.UUID, admin bool, jobID uuid.UUID) (*models.Job, error)
	cancelFn func(userID uuid.UUID, admin bool, jobID uuid.UUID) error
}

func (m *mockRunner) Submit(_ context.Context, req executor.SubmitRequest) (uuid.UUID, error) {
	if m.submitFn == nil {
		return uuid.Nil, store.ErrNotFound
	}
	return m.submitFn(req)
}

func (m *mockRunner) Status(_ context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) (*executor.StatusInfo, error) {
	if m.statusFn == nil {
		return nil, store.ErrNotFound
	}
	return m.statusFn(userID, admin, jobID)
}

func (m *mockRunner) Result(_ context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) (*models.Job, error) {
	if m.resultFn == nil {
		return nil, store.ErrNotFound
	}
	return m.resultFn(userID, admin, jobID)
}

func (m *mockRunner) Cancel(_ context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) error {
	if m.cancelFn == nil {
		return store.ErrNotFound
	}
	return m.cancelFn(userID, admin, jobID)
}

// --- helpers ---

func authedReq(t *testing.T, method, target string, body any, rc *mw.RequestContext) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, target, rd)
	r.Header.Set("Content-Type", "application/json")
	if rc != nil {
		r = r.WithContext(mw.WithRequestContext(r.Context(), rc))
	}
	return r
}

func withPathParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder, wantStatus int) map[string]any {
	t.Helper()
	if rec.Code != wantStatus {
		t.Fatalf("expected %d, got %d: %s", wantStatus, rec.Code, rec.Body.String())
	}
	var env struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env.Data
}

func errEnvOf(t *testing.T, rec *httptest.ResponseRecorder) (string, map[string]any) {
	t.Helper()
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env.Error.Code, env.Error.Details
}

func caller(userID uuid.UUID, scopes ...string) *mw.RequestContext {
	return &mw.RequestContext{UserID: userID, Scopes: scopes}
}

// --- execute ---

func TestExecuteAgentHandler_Accepted(t *testing.T) {
	userID := uuid.New()
	jobID := uuid.New()
	var captured executor.SubmitRequest

	h := NewExecuteAgentHandler(&mockRunner{
		submitFn: func(req executor.SubmitRequest) (uuid.UUID, error) {
			captured = req
			return jobID, nil
		},
	})

	body := map[string]any{
		"agent_id": "agent-7",
		"message":  "summarize the quarterly report",
		"context":  "be brief",
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/agents/execute", body, caller(userID)))

	data := dataOf(t, rec, http.StatusAccepted)
	if data["job_id"] != jobID.String() {
		t.Errorf("job_id = %v, want %s", data["job_id"], jobID)
	}
	if data["status"] != models.JobStatusPending {
		t.Errorf("status = %v, want pending", data["status"])
	}

	if captured.UserID != userID {
		t.Errorf("submitted user = %s, want %s", captured.UserID, userID)
	}
	if captured.AgentID != "agent-7" {
		t.Errorf("agent id = %q", captured.AgentID)
	}
	if captured.Instructions != "be brief" {
		t.Errorf("instructions = %q, want the context field", captured.Instructions)
	}
}

func TestExecuteAgentHandler_MissingFields(t *testing.T) {
	h := NewExecuteAgentHandler(&mockRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/agents/execute",
		map[string]any{"message": "hi"}, caller(uuid.New())))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	code, details := errEnvOf(t, rec)
	if code != "INVALID_REQUEST" {
		t.Errorf("code = %q", code)
	}
	if _, ok := details["agent_id"]; !ok {
		t.Errorf("details missing agent_id: %v", details)
	}
}

func TestExecuteAgentHandler_BadWebhookURL(t *testing.T) {
	h := NewExecuteAgentHandler(&mockRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/agents/execute", map[string]any{
		"agent_id":    "agent-7",
		"message":     "hi",
		"webhook_url": "not a url",
	}, caller(uuid.New())))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	_, details := errEnvOf(t, rec)
	if _, ok := details["webhook_url"]; !ok {
		t.Errorf("details missing webhook_url: %v", details)
	}
}

func TestExecuteAgentHandler_InvalidJSON(t *testing.T) {
	h := NewExecuteAgentHandler(&mockRunner{})

	r := httptest.NewRequest("POST", "/api/v1/agents/execute", bytes.NewReader([]byte("{not json")))
	r = r.WithContext(mw.WithRequestContext(r.Context(), caller(uuid.New())))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestExecuteAgentHandler_QueueFull(t *testing.T) {
	h := NewExecuteAgentHandler(&mockRunner{
		submitFn: func(executor.SubmitRequest) (uuid.UUID, error) {
			return uuid.Nil, executor.ErrQueueFull
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/agents/execute",
		map[string]any{"agent_id": "a", "message": "m"}, caller(uuid.New())))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	code, _ := errEnvOf(t, rec)
	if code != "EXECUTOR_BUSY" {
		t.Errorf("code = %q", code)
	}
}

func TestExecuteAgentHandler_UpstreamDown(t *testing.T) {
	h := NewExecuteAgentHandler(&mockRunner{
		submitFn: func(executor.SubmitRequest) (uuid.UUID, error) {
			return uuid.Nil, assistant.ErrUnreachable
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/agents/execute",
		map[string]any{"agent_id": "a", "message": "m"}, caller(uuid.New())))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	code, _ := errEnvOf(t, rec)
	if code != "UPSTREAM_ERROR" {
		t.Errorf("code = %q", code)
	}
}

func TestExecuteAgentHandler_NoIdentity(t *testing.T) {
	h := NewExecuteAgentHandler(&mockRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/agents/execute",
		map[string]any{"agent_id": "a", "message": "m"}, nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// --- status ---

func TestJobStatusHandler_ActiveRun(t *testing.T) {
	userID := uuid.New()
	jobID := uuid.New()
	started := time.Now().UTC().Add(-3 * time.Second)
	elapsed := 3.1
	remaining := 51.9

	h := NewJobStatusHandler(&mockRunner{
		statusFn: func(uid uuid.UUID, admin bool, jid uuid.UUID) (*executor.StatusInfo, error) {
			if uid != userID || jid != jobID {
				t.Errorf("unexpected lookup %s/%s", uid, jid)
			}
			if admin {
				t.Error("caller without admin scope flagged as admin")
			}
			return &executor.StatusInfo{
				Job: &models.Job{
					ID:        jobID,
					UserID:    userID,
					Type:      models.JobTypeAgentExecution,
					Status:    models.JobStatusProcessing,
					StartedAt: &started,
					CreatedAt: started.Add(-time.Second),
				},
				ElapsedSeconds:     &elapsed,
				EstimatedRemaining: &remaining,
			}, nil
		},
	})

	r := authedReq(t, "GET", "/api/v1/jobs/"+jobID.String(), nil, caller(userID))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPathParam(r, "jobID", jobID.String()))

	data := dataOf(t, rec, http.StatusOK)
	if data["status"] != models.JobStatusProcessing {
		t.Errorf("status = %v", data["status"])
	}
	if data["elapsed_seconds"] != 3.1 {
		t.Errorf("elapsed_seconds = %v", data["elapsed_seconds"])
	}
	if data["estimated_remaining"] != 51.9 {
		t.Errorf("estimated_remaining = %v", data["estimated_remaining"])
	}
	if _, ok := data["result"]; ok {
		t.Error("status payload must not carry the result")
	}
}

func TestJobStatusHandler_AdminScopePassedThrough(t *testing.T) {
	var gotAdmin bool
	h := NewJobStatusHandler(&mockRunner{
		statusFn: func(_ uuid.UUID, admin bool, jid uuid.UUID) (*executor.StatusInfo, error) {
			gotAdmin = admin
			return &executor.StatusInfo{Job: &models.Job{ID: jid, Status: models.JobStatusPending}}, nil
		},
	})

	jobID := uuid.New()
	r := authedReq(t, "GET", "/api/v1/jobs/"+jobID.String(), nil, caller(uuid.New(), models.ScopeAdmin))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPathParam(r, "jobID", jobID.String()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !gotAdmin {
		t.Error("admin scope not forwarded to the runner")
	}
}

func TestJobStatusHandler_NotFound(t *testing.T) {
	for name, err := range map[string]error{
		"missing":       store.ErrNotFound,
		"someone elses": store.ErrForbidden,
	} {
		t.Run(name, func(t *testing.T) {
			h := NewJobStatusHandler(&mockRunner{
				statusFn: func(uuid.UUID, bool, uuid.UUID) (*executor.StatusInfo, error) {
					return nil, err
				},
			})

			jobID := uuid.New()
			r := authedReq(t, "GET", "/api/v1/jobs/"+jobID.String(), nil, caller(uuid.New()))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, withPathParam(r, "jobID", jobID.String()))

			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d", rec.Code)
			}
			code, _ := errEnvOf(t, rec)
			if code != "JOB_NOT_FOUND" {
				t.Errorf("code = %q", code)
			}
		})
	}
}

func TestJobStatusHandler_BadID(t *testing.T) {
	h := NewJobStatusHandler(&mockRunner{})

	r := authedReq(t, "GET", "/api/v1/jobs/abc", nil, caller(uuid.New()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPathParam(r, "jobID", "abc"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// --- result ---

func TestJobResultHandler_Ready(t *testing.T) {
	jobID := uuid.New()
	result := json.RawMessage(`{"response":"All done.","thread_id":"th_1","run_id":"run_1"}`)

	h := NewJobResultHandler(&mockRunner{
		resultFn: func(_ uuid.UUID, _ bool, jid uuid.UUID) (*models.Job, error) {
			return &models.Job{
				ID:     jid,
				Status: models.JobStatusCompleted,
				Result: result,
			}, nil
		},
	})

	r := authedReq(t, "GET", "/api/v1/jobs/"+jobID.String()+"/result", nil, caller(uuid.New()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPathParam(r, "jobID", jobID.String()))

	data := dataOf(t, rec, http.StatusOK)
	res, ok := data["result"].(map[string]any)
	if !ok {
		t.Fatalf("result missing or wrong shape: %v", data)
	}
	if res["response"] != "All done." {
		t.Errorf("response = %v", res["response"])
	}
}

func TestJobResultHandler_NotReady(t *testing.T) {
	h := NewJobResultHandler(&mockRunner{
		resultFn: func(uuid.UUID, bool, uuid.UUID) (*models.Job, error) {
			return nil, executor.ErrResultNotReady
		},
	})

	jobID := uuid.New()
	r := authedReq(t, "GET", "/api/v1/jobs/"+jobID.String()+"/result", nil, caller(uuid.New()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPathParam(r, "jobID", jobID.String()))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	code, _ := errEnvOf(t, rec)
	if code != "RESULT_NOT_READY" {
		t.Errorf("code = %q", code)
	}
}

// --- cancel ---

func TestCancelJobHandler_OK(t *testing.T) {
	jobID := uuid.New()
	h := NewCancelJobHandler(&mockRunner{
		cancelFn: func(_ uuid.UUID, _ bool, jid uuid.UUID) error {
			if jid != jobID {
				t.Errorf("cancelled %s, want %s", jid, jobID)
			}
			return nil
		},
	})

	r := authedReq(t, "POST", "/api/v1/jobs/"+jobID.String()+"/cancel", nil, caller(uuid.New()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPathParam(r, "jobID", jobID.String()))

	data := dataOf(t, rec, http.StatusOK)
	if data["status"] != models.JobStatusCancelled {
		t.Errorf("status = %v", data["status"])
	}
}

func TestCancelJobHandler_AlreadyFinished(t *testing.T) {
	h := NewCancelJobHandler(&mockRunner{
		cancelFn: func(uuid.UUID, bool, uuid.UUID) error {
			return executor.ErrNotCancellable
		},
	})

	jobID := uuid.New()
	r := authedReq(t, "POST", "/api/v1/jobs/"+jobID.String()+"/cancel", nil, caller(uuid.New()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPathParam(r, "jobID", jobID.String()))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	code, _ := errEnvOf(t, rec)
	if code != "JOB_NOT_CANCELLABLE" {
		t.Errorf("code = %q", code)
	}
}

// --- list ---

func TestListJobsHandler_PaginatesAndFilters(t *testing.T) {
	userID := uuid.New()
	ms := newHandlerStore()
	ms.listFn = func(filter store.JobFilter) ([]*models.Job, int, error) {
		if filter.UserID != userID {
			t.Errorf("filter user = %s, want %s", filter.UserID, userID)
		}
		if filter.Status != models.JobStatusCompleted {
			t.Errorf("filter status = %q", filter.Status)
		}
		if filter.Page != 2 || filter.Limit != 10 {
			t.Errorf("pagination = %d/%d", filter.Page, filter.Limit)
		}
		return []*models.Job{
			{ID: uuid.New(), Status: models.JobStatusCompleted, Type: models.JobTypeAgentExecution},
		}, 25, nil
	}

	h := NewListJobsHandler(ms)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "GET", "/api/v1/jobs?status=completed&page=2&limit=10", nil, caller(userID)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data []map[string]any `json:"data"`
		Meta struct {
			Page    int  `json:"page"`
			Limit   int  `json:"limit"`
			Total   int  `json:"total"`
			HasNext bool `json:"has_next"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 1 {
		t.Fatalf("expected 1 job, got %d", len(env.Data))
	}
	if env.Meta.Total != 25 || env.Meta.Page != 2 || !env.Meta.HasNext {
		t.Errorf("meta = %+v", env.Meta)
	}
}

func TestListJobsHandler_RejectsUnknownStatus(t *testing.T) {
	h := NewListJobsHandler(newHandlerStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "GET", "/api/v1/jobs?status=sleeping", nil, caller(uuid.New())))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
