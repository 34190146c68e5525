package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/tollgate-ai/tollgate/internal/api/response"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/internal/token"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

// keyAlphabet excludes separators so a generated key is one selectable token.
const keyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const keySecretLen = 32

type createKeyRequest struct {
	UserID        uuid.UUID `json:"user_id" validate:"required"`
	Name          string    `json:"name" validate:"required"`
	Scopes        []string  `json:"scopes"`
	ExpiresInDays int       `json:"expires_in_days" validate:"omitempty,gte=1,lte=3650"`
}

type createKeyResponse struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"`
	KeyPrefix string     `json:"key_prefix"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewCreateKeyHandler returns the handler for POST /api/v1/admin/keys. The
// raw key appears in this response and nowhere else; only its hash is stored.
func NewCreateKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if !bindJSON(w, r, &req) {
			return
		}

		if _, err := st.GetUser(r.Context(), req.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"NOT_FOUND", "User not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to look up user", nil)
			return
		}

		secret, err := gonanoid.Generate(keyAlphabet, keySecretLen)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to generate key", nil)
			return
		}
		raw := "tg_" + secret

		hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to generate key", nil)
			return
		}

		scopes := req.Scopes
		if scopes == nil {
			scopes = []string{}
		}

		key := &models.APIKey{
			ID:        uuid.New(),
			UserID:    req.UserID,
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: raw[:8],
			Scopes:    scopes,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if req.ExpiresInDays > 0 {
			exp := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
			key.ExpiresAt = &exp
		}

		if err := st.CreateAPIKey(r.Context(), key); err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to create key", nil)
			return
		}

		response.Created(w, createKeyResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Name:      key.Name,
			Key:       raw,
			KeyPrefix: key.KeyPrefix,
			Scopes:    key.Scopes,
			ExpiresAt: key.ExpiresAt,
		})
	}
}

// NewListKeysHandler returns the handler for GET /api/v1/admin/keys. The
// user_id query parameter is required; hashes never leave the store layer.
func NewListKeysHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "user_id must be a valid UUID", nil)
			return
		}

		keys, err := st.ListAPIKeys(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}

		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns the handler for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "user_id must be a valid UUID", nil)
			return
		}

		if err := st.RevokeAPIKey(r.Context(), keyID, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"NOT_FOUND", "Key not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}

		response.NoContent(w)
	}
}

type createUserRequest struct {
	Email           string   `json:"email" validate:"required,email"`
	Name            string   `json:"name" validate:"required"`
	StartingBalance float64  `json:"starting_balance" validate:"omitempty,gte=0"`
	Scopes          []string `json:"scopes"`
}

// NewCreateUserHandler returns the handler for POST /api/v1/admin/users.
func NewCreateUserHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createUserRequest
		if !bindJSON(w, r, &req) {
			return
		}

		scopes := req.Scopes
		if scopes == nil {
			scopes = []string{}
		}

		user := &models.User{
			ID:        uuid.New(),
			Email:     req.Email,
			Name:      req.Name,
			Balance:   req.StartingBalance,
			Scopes:    scopes,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}

		if err := st.CreateUser(r.Context(), user); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict,
					"ALREADY_EXISTS", "A user with this email already exists", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to create user", nil)
			return
		}

		if req.StartingBalance > 0 {
			recordTopUp(r, st, user.ID, req.StartingBalance)
		}

		response.Created(w, user)
	}
}

type addCreditsRequest struct {
	Amount float64 `json:"amount" validate:"required,gt=0"`
}

// NewAddCreditsHandler returns the handler for
// POST /api/v1/admin/users/{userID}/credits.
func NewAddCreditsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(w, r, "userID")
		if !ok {
			return
		}

		var req addCreditsRequest
		if !bindJSON(w, r, &req) {
			return
		}

		balance, err := st.AddCredits(r.Context(), userID, req.Amount)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"NOT_FOUND", "User not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to add credits", nil)
			return
		}

		recordTopUp(r, st, userID, req.Amount)

		response.JSON(w, map[string]any{
			"user_id": userID,
			"balance": balance,
		})
	}
}

// recordTopUp writes the positive ledger entry for granted credits. The
// grant itself already succeeded, so a ledger failure is logged rather than
// surfaced.
func recordTopUp(r *http.Request, st store.Store, userID uuid.UUID, amount float64) {
	err := st.CreateBalanceTransaction(r.Context(), &models.BalanceTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		Reason:    models.TxReasonTopUp,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("recording top-up", "error", err, "user_id", userID, "amount", amount)
	}
}

type mintTokenRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Scopes []string  `json:"scopes"`
}

// NewMintTokenHandler returns the handler for POST /api/v1/admin/tokens.
// With no explicit scopes the token inherits the user's stored scopes.
func NewMintTokenHandler(st store.Store, tm *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tm == nil {
			response.Error(w, http.StatusServiceUnavailable,
				"TOKENS_DISABLED", "Token auth is not configured", nil)
			return
		}

		var req mintTokenRequest
		if !bindJSON(w, r, &req) {
			return
		}

		user, err := st.GetUser(r.Context(), req.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"NOT_FOUND", "User not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to look up user", nil)
			return
		}

		scopes := req.Scopes
		if scopes == nil {
			scopes = user.Scopes
		}

		signed, expiresAt, err := tm.Mint(user.ID, scopes)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to mint token", nil)
			return
		}

		response.Created(w, map[string]any{
			"token":      signed,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
			"user_id":    user.ID,
			"scopes":     scopes,
		})
	}
}

// NewPendingJobsHandler returns the handler for GET /api/v1/admin/jobs/pending,
// the operator's view of work waiting for a worker, oldest first. Rows are
// returned whole, parameters included.
func NewPendingJobsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))

		jobs, err := st.ListPendingJobs(r.Context(), q.Get("type"), limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to list pending jobs", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}

		response.JSON(w, map[string]any{
			"jobs":  jobs,
			"count": len(jobs),
		})
	}
}
