package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-ai/tollgate/internal/api/response"
	"github.com/tollgate-ai/tollgate/internal/assistant"
	"github.com/tollgate-ai/tollgate/internal/executor"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

// Runner is the async execution surface the job handlers depend on.
type Runner interface {
	Submit(ctx context.Context, req executor.SubmitRequest) (uuid.UUID, error)
	Status(ctx context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) (*executor.StatusInfo, error)
	Result(ctx context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, userID uuid.UUID, admin bool, jobID uuid.UUID) error
}

type executeAgentRequest struct {
	AgentID    string          `json:"agent_id" validate:"required"`
	Message    string          `json:"message" validate:"required"`
	ThreadID   string          `json:"thread_id"`
	Context    string          `json:"context"`
	Tools      json.RawMessage `json:"tools"`
	WebhookURL string          `json:"webhook_url" validate:"omitempty,url"`
}

// NewExecuteAgentHandler returns the handler for POST /api/v1/agents/execute.
// It enqueues the run and answers 202 immediately; the client polls the job.
func NewExecuteAgentHandler(runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, ok := identity(w, r)
		if !ok {
			return
		}

		var req executeAgentRequest
		if !bindJSON(w, r, &req) {
			return
		}

		jobID, err := runner.Submit(r.Context(), executor.SubmitRequest{
			UserID:       rc.UserID,
			AgentID:      req.AgentID,
			Message:      req.Message,
			ThreadID:     req.ThreadID,
			Instructions: req.Context,
			Tools:        req.Tools,
			WebhookURL:   req.WebhookURL,
		})
		if err != nil {
			switch {
			case errors.Is(err, executor.ErrQueueFull), errors.Is(err, executor.ErrClosed):
				response.Error(w, http.StatusServiceUnavailable, "EXECUTOR_BUSY",
					"Execution queue is full, try again shortly", nil)
			case errors.Is(err, assistant.ErrUnreachable),
				errors.Is(err, assistant.ErrTimeout),
				errors.Is(err, assistant.ErrUpstream):
				response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR",
					"The assistant API is not available", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, map[string]any{
			"job_id": jobID,
			"status": models.JobStatusPending,
		})
	}
}

type jobStatusResponse struct {
	JobID              uuid.UUID       `json:"job_id"`
	Status             string          `json:"status"`
	Type               string          `json:"type"`
	CreatedAt          time.Time       `json:"created_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	ElapsedSeconds     *float64        `json:"elapsed_seconds,omitempty"`
	EstimatedRemaining *float64        `json:"estimated_remaining,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
}

func jobStatusBody(job *models.Job) jobStatusResponse {
	return jobStatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Type:         job.Type,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
	}
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, ok := identity(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}

		info, err := runner.Status(r.Context(), rc.UserID, rc.HasScope(models.ScopeAdmin), jobID)
		if err != nil {
			jobError(w, err)
			return
		}

		body := jobStatusBody(info.Job)
		body.ElapsedSeconds = info.ElapsedSeconds
		body.EstimatedRemaining = info.EstimatedRemaining
		response.JSON(w, body)
	}
}

// NewJobResultHandler returns the handler for GET /api/v1/jobs/{jobID}/result.
// The result is only available once the job is terminal.
func NewJobResultHandler(runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, ok := identity(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}

		job, err := runner.Result(r.Context(), rc.UserID, rc.HasScope(models.ScopeAdmin), jobID)
		if err != nil {
			jobError(w, err)
			return
		}

		body := jobStatusBody(job)
		body.Result = job.Result
		response.JSON(w, body)
	}
}

// NewCancelJobHandler returns the handler for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, ok := identity(w, r)
		if !ok {
			return
		}
		jobID, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}

		if err := runner.Cancel(r.Context(), rc.UserID, rc.HasScope(models.ScopeAdmin), jobID); err != nil {
			jobError(w, err)
			return
		}

		response.JSON(w, map[string]any{
			"job_id": jobID,
			"status": models.JobStatusCancelled,
		})
	}
}

// NewListJobsHandler returns the handler for GET /api/v1/jobs. Results are
// scoped to the caller and newest first.
func NewListJobsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, ok := identity(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		status := q.Get("status")
		if status != "" && !models.JobStatusTerminal(status) &&
			status != models.JobStatusPending && status != models.JobStatusProcessing {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "status must be a valid job status", nil)
			return
		}

		page, _ := strconv.Atoi(q.Get("page"))
		if page <= 0 {
			page = 1
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		jobs, total, err := st.ListJobs(r.Context(), store.JobFilter{
			UserID: rc.UserID,
			Status: status,
			Type:   q.Get("type"),
			Page:   page,
			Limit:  limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}

		items := make([]jobStatusResponse, 0, len(jobs))
		for _, job := range jobs {
			items = append(items, jobStatusBody(job))
		}

		response.Collection(w, items, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// jobError maps executor and store failures onto the API error vocabulary.
// A job owned by someone else answers exactly like a missing job.
func jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrForbidden):
		response.Error(w, http.StatusNotFound,
			"JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, executor.ErrResultNotReady):
		response.Error(w, http.StatusConflict,
			"RESULT_NOT_READY", "Job has not finished yet", nil)
	case errors.Is(err, executor.ErrNotCancellable):
		response.Error(w, http.StatusConflict,
			"JOB_NOT_CANCELLABLE", "Job has already reached a final status", nil)
	default:
		response.Error(w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
