package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestLog is the audit row written by the logging stage for every request
// that enters the middleware chain, success or failure. The correlation id is
// taken from (or echoed into) the X-Request-ID header.
type RequestLog struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	CorrelationID   string     `db:"correlation_id"   json:"correlation_id"`
	UserID          *uuid.UUID `db:"user_id"          json:"user_id,omitempty"`
	APIKeyID        *uuid.UUID `db:"api_key_id"       json:"api_key_id,omitempty"`
	Method          string     `db:"method"           json:"method"`
	Path            string     `db:"path"             json:"path"`
	RequestHeaders  []byte     `db:"request_headers"  json:"-"`
	RequestBody     string     `db:"request_body"     json:"-"`
	ResponseStatus  *int       `db:"response_status"  json:"response_status,omitempty"`
	ResponseBody    string     `db:"response_body"    json:"-"`
	DurationMS      *int64     `db:"duration_ms"      json:"duration_ms,omitempty"`
	Error           *string    `db:"error"            json:"error,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
}

// UsageRecord captures the metered consumption declared by one response.
// The usage stage writes one per authenticated request; the async executor
// writes one per completed agent run, attributed to the job.
type UsageRecord struct {
	ID               uuid.UUID  `db:"id"                json:"id"`
	RequestLogID     *uuid.UUID `db:"request_log_id"    json:"request_log_id,omitempty"`
	UserID           uuid.UUID  `db:"user_id"           json:"user_id"`
	JobID            *uuid.UUID `db:"job_id"            json:"job_id,omitempty"`
	Endpoint         string     `db:"endpoint"          json:"endpoint"`
	Model            *string    `db:"model"             json:"model,omitempty"`
	PromptTokens     int        `db:"prompt_tokens"     json:"prompt_tokens"`
	CompletionTokens int        `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int        `db:"total_tokens"      json:"total_tokens"`
	ImagesGenerated  int        `db:"images_generated"  json:"images_generated"`
	AudioSeconds     float64    `db:"audio_seconds"     json:"audio_seconds"`
	PagesProcessed   int        `db:"pages_processed"   json:"pages_processed"`
	CreditsCharged   float64    `db:"credits_charged"   json:"credits_charged"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
}

// Balance transaction reasons.
const (
	TxReasonDeduction = "deduction"
	TxReasonTopUp     = "topup"
)

// BalanceTransaction records one signed balance change. Deductions are
// negative, top-ups positive.
type BalanceTransaction struct {
	ID           uuid.UUID  `db:"id"             json:"id"`
	UserID       uuid.UUID  `db:"user_id"        json:"user_id"`
	Amount       float64    `db:"amount"         json:"amount"`
	Reason       string     `db:"reason"         json:"reason"`
	Endpoint     *string    `db:"endpoint"       json:"endpoint,omitempty"`
	RequestLogID *uuid.UUID `db:"request_log_id" json:"request_log_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at"     json:"created_at"`
}

// EndpointCost is the per-call price of a route, keyed by path.
type EndpointCost struct {
	Endpoint    string  `db:"endpoint"    json:"endpoint"`
	Credits     float64 `db:"credits"     json:"credits"`
	Description string  `db:"description" json:"description,omitempty"`
}
