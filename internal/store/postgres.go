package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, balance, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.Name, user.Balance, user.Scopes, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, balance, scopes, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Balance, &u.Scopes, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, name, balance, scopes, created_at, updated_at
		 FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Balance, &u.Scopes, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// AddCredits increases a user's balance and returns the new value.
func (s *PostgresStore) AddCredits(ctx context.Context, userID uuid.UUID, amount float64) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2, updated_at = NOW()
		 WHERE id = $1 RETURNING balance`, userID, amount,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	return balance, nil
}

// DeductBalance subtracts amount from a user's balance in a single statement.
// The balance guard in the WHERE clause makes the check and the deduction one
// atomic operation, so two concurrent requests can never overdraw the account.
func (s *PostgresStore) DeductBalance(ctx context.Context, userID uuid.UUID, amount float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = balance - $2, updated_at = NOW()
		 WHERE id = $1 AND balance >= $2`, userID, amount)
	if err != nil {
		return fmt.Errorf("deduct balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("deduct balance: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientBalance
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, expires_at, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.ExpiresAt, &k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes,
		key.ExpiresAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, expires_at, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.ExpiresAt, &k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// RevokeAPIKey soft-deletes a key. A zero userID skips the ownership check,
// which is how the admin surface revokes keys it does not own.
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	query := `UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`
	args := []any{id}
	if userID != uuid.Nil {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Endpoint Access & Costs ---

func (s *PostgresStore) HasEndpointAccess(ctx context.Context, userID uuid.UUID, endpoint string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM endpoint_grants WHERE user_id = $1 AND endpoint = $2)`,
		userID, endpoint).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check endpoint access: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) GrantEndpointAccess(ctx context.Context, userID uuid.UUID, endpoint string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO endpoint_grants (user_id, endpoint, created_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id, endpoint) DO NOTHING`, userID, endpoint)
	if err != nil {
		return fmt.Errorf("grant endpoint access: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEndpointCost(ctx context.Context, endpoint string) (*models.EndpointCost, error) {
	var c models.EndpointCost
	err := s.pool.QueryRow(ctx,
		`SELECT endpoint, credits, description FROM endpoint_costs WHERE endpoint = $1`, endpoint,
	).Scan(&c.Endpoint, &c.Credits, &c.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint cost: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) SetEndpointCost(ctx context.Context, cost *models.EndpointCost) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO endpoint_costs (endpoint, credits, description, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (endpoint) DO UPDATE SET
		   credits = EXCLUDED.credits,
		   description = EXCLUDED.description,
		   updated_at = NOW()`,
		cost.Endpoint, cost.Credits, cost.Description)
	if err != nil {
		return fmt.Errorf("set endpoint cost: %w", err)
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, file_id, type, status, parameters, endpoint_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.UserID, job.FileID, job.Type, job.Status, job.Parameters,
		job.EndpointID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, file_id, type, status, parameters, result, error_message, endpoint_id, started_at, completed_at, created_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.UserID, &j.FileID, &j.Type, &j.Status, &j.Parameters, &j.Result,
		&j.ErrorMessage, &j.EndpointID, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// GetJobForUser fetches a job enforcing ownership. Admins see every job;
// everyone else gets ErrForbidden for jobs they do not own.
func (s *PostgresStore) GetJobForUser(ctx context.Context, id uuid.UUID, userID uuid.UUID, admin bool) (*models.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && job.UserID != userID {
		return nil, ErrForbidden
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	// Count query
	var total int
	countQuery := "SELECT COUNT(*) FROM jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	// Normalize pagination
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	// Data query, newest first
	dataQuery := fmt.Sprintf(
		`SELECT id, user_id, file_id, type, status, parameters, result, error_message, endpoint_id, started_at, completed_at, created_at, updated_at
		 FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.UserID, &j.FileID, &j.Type, &j.Status, &j.Parameters, &j.Result,
			&j.ErrorMessage, &j.EndpointID, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, total, rows.Err()
}

// ListPendingJobs returns queued jobs oldest first, optionally filtered by type.
func (s *PostgresStore) ListPendingJobs(ctx context.Context, jobType string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	query := `SELECT id, user_id, file_id, type, status, parameters, result, error_message, endpoint_id, started_at, completed_at, created_at, updated_at
		 FROM jobs WHERE status = 'pending'`
	args := []any{}
	if jobType != "" {
		query += ` AND type = $1`
		args = append(args, jobType)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.UserID, &j.FileID, &j.Type, &j.Status, &j.Parameters, &j.Result,
			&j.ErrorMessage, &j.EndpointID, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &JobUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	// Fetch current status
	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	// Validate transition
	valid := false
	for _, a := range validTransitions[currentStatus] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.JobStatusProcessing {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.JobStatusTerminal(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Result != nil {
		query += fmt.Sprintf(", result = $%d", argIdx)
		args = append(args, params.Result)
		argIdx++
	}

	// The status guard catches a concurrent transition between the read and
	// the update, so a completion can never overwrite a cancellation.
	query += fmt.Sprintf(" WHERE id = $1 AND status = $%d", argIdx)
	args = append(args, currentStatus)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s is no longer %s", ErrInvalidTransition, id, currentStatus)
	}
	return nil
}

// --- Request Logs & Usage ---

func (s *PostgresStore) CreateRequestLog(ctx context.Context, log *models.RequestLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO request_logs (id, correlation_id, user_id, api_key_id, method, path, request_headers, request_body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.CorrelationID, log.UserID, log.APIKeyID, log.Method, log.Path,
		log.RequestHeaders, log.RequestBody, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("create request log: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishRequestLog(ctx context.Context, id uuid.UUID, status int, responseBody string, durationMS int64, errMsg *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE request_logs SET response_status = $2, response_body = $3, duration_ms = $4, error = $5
		 WHERE id = $1`,
		id, status, responseBody, durationMS, errMsg)
	if err != nil {
		return fmt.Errorf("finish request log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, request_log_id, user_id, job_id, endpoint, model, prompt_tokens, completion_tokens, total_tokens, images_generated, audio_seconds, pages_processed, credits_charged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.RequestLogID, rec.UserID, rec.JobID, rec.Endpoint, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.ImagesGenerated,
		rec.AudioSeconds, rec.PagesProcessed, rec.CreditsCharged, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateBalanceTransaction(ctx context.Context, tx *models.BalanceTransaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balance_transactions (id, user_id, amount, reason, endpoint, request_log_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.UserID, tx.Amount, tx.Reason, tx.Endpoint, tx.RequestLogID, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("create balance transaction: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
