package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

var (
	ErrNotFound            = errors.New("resource not found")
	ErrForbidden           = errors.New("access to resource denied")
	ErrDuplicateKey        = errors.New("duplicate key violation")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransition   = errors.New("invalid job status transition")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	AddCredits(ctx context.Context, userID uuid.UUID, amount float64) (float64, error)
	DeductBalance(ctx context.Context, userID uuid.UUID, amount float64) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	HasEndpointAccess(ctx context.Context, userID uuid.UUID, endpoint string) (bool, error)
	GrantEndpointAccess(ctx context.Context, userID uuid.UUID, endpoint string) error
	GetEndpointCost(ctx context.Context, endpoint string) (*models.EndpointCost, error)
	SetEndpointCost(ctx context.Context, cost *models.EndpointCost) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobForUser(ctx context.Context, id uuid.UUID, userID uuid.UUID, admin bool) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	ListPendingJobs(ctx context.Context, jobType string, limit int) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error

	CreateRequestLog(ctx context.Context, log *models.RequestLog) error
	FinishRequestLog(ctx context.Context, id uuid.UUID, status int, responseBody string, durationMS int64, errMsg *string) error
	CreateUsageRecord(ctx context.Context, rec *models.UsageRecord) error
	CreateBalanceTransaction(ctx context.Context, tx *models.BalanceTransaction) error
}

// JobFilter narrows ListJobs. UserID is required; zero values for the rest
// mean "no filter". Page/Limit are normalized by the store.
type JobFilter struct {
	UserID uuid.UUID
	Status string
	Type   string
	Page   int
	Limit  int
}

// JobUpdate collects the optional fields of a status update. Exported so
// that fakes in other packages can apply the options they receive.
type JobUpdate struct {
	ErrorMessage *string
	Result       json.RawMessage
}

type JobUpdateOption func(*JobUpdate)

// WithErrorMessage stores the failure reason alongside a failed status.
func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// WithResult stores the result payload alongside a completed status.
func WithResult(result json.RawMessage) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Result = result
	}
}
