package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"
	"github.com/tollgate-ai/tollgate/internal/api/response"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/internal/token"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

const (
	keyPrefixLen = 8

	// apiKeyMarker distinguishes raw API keys from JWTs in the same header.
	apiKeyMarker = "tg_"

	// storedBodyLimit caps request and response bodies persisted to the
	// audit row. responseCaptureLimit is larger so the usage stage can
	// still parse metrics out of bigger completion payloads.
	storedBodyLimit      = 4096
	responseCaptureLimit = 64 << 10
)

// Auth resolves the caller's identity, writes the audit row, and records the
// response outcome. Every request that reaches the protected group passes
// through here exactly once.
type Auth struct {
	store  store.Store
	tokens *token.Manager
}

// NewAuth creates the auth stage. tokens may be nil, which disables bearer
// JWT auth and leaves API keys as the only credential.
func NewAuth(s store.Store, tm *token.Manager) *Auth {
	return &Auth{store: s, tokens: tm}
}

// Authenticate validates the Authorization header, populates the shared
// RequestContext, and brackets the inner chain with the audit row. A panic
// in the inner chain still gets its failure row before propagating.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, r := EnsureRequestContext(r)
		rc.CorrelationID = correlationID(r)
		w.Header().Set("X-Request-ID", rc.CorrelationID)

		raw := extractBearerToken(r)
		if raw == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if strings.HasPrefix(raw, apiKeyMarker) {
			if !a.authenticateAPIKey(w, r, rc, raw) {
				return
			}
		} else {
			if !a.authenticateToken(w, rc, raw) {
				return
			}
		}

		logID, body, ok := a.openRequestLog(w, r, rc)
		if !ok {
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		rec := &captureRecorder{ResponseWriter: w, status: http.StatusOK, limit: responseCaptureLimit}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				msg := fmt.Sprintf("panic: %v", p)
				_ = a.store.FinishRequestLog(context.Background(), logID,
					http.StatusInternalServerError, "", time.Since(start).Milliseconds(), &msg)
				panic(p)
			}
		}()

		next.ServeHTTP(rec, r)

		rc.Status = rec.status
		rc.ResponseBody = rec.body.Bytes()

		stored := truncate(rec.body.String(), storedBodyLimit)
		if err := a.store.FinishRequestLog(r.Context(), logID, rec.status, stored,
			time.Since(start).Milliseconds(), nil); err != nil {
			slog.Warn("finishing request log", "error", err, "request_log_id", logID)
		}
	})
}

// RequireScope returns middleware that rejects identities missing the scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := FromRequest(r)
			if !ok || !rc.HasScope(scope) {
				response.Error(w, http.StatusForbidden,
					"FORBIDDEN", "Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Auth) authenticateAPIKey(w http.ResponseWriter, r *http.Request, rc *RequestContext, raw string) bool {
	if len(raw) < keyPrefixLen {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid API key format", nil)
		return false
	}

	prefix := raw[:keyPrefixLen]
	keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
	if err != nil {
		response.Error(w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "Failed to validate API key", nil)
		return false
	}

	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) != nil {
			continue
		}
		if key.Expired(time.Now()) {
			response.Error(w, http.StatusUnauthorized,
				"TOKEN_EXPIRED", "API key has expired", nil)
			return false
		}

		rc.UserID = key.UserID
		rc.Scopes = key.Scopes
		rc.KeyPrefix = prefix
		id := key.ID
		rc.APIKeyID = &id

		go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)
		return true
	}

	response.Error(w, http.StatusUnauthorized,
		"INVALID_TOKEN", "Invalid API key", nil)
	return false
}

func (a *Auth) authenticateToken(w http.ResponseWriter, rc *RequestContext, raw string) bool {
	if a.tokens == nil {
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Token auth is not configured", nil)
		return false
	}

	userID, scopes, err := a.tokens.Verify(raw)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			response.Error(w, http.StatusUnauthorized,
				"TOKEN_EXPIRED", "Token has expired", nil)
			return false
		}
		response.Error(w, http.StatusUnauthorized,
			"INVALID_TOKEN", "Invalid token", nil)
		return false
	}

	rc.UserID = userID
	rc.Scopes = scopes
	return true
}

// openRequestLog inserts the audit row before the request is served. The row
// is the billing trail, so a request that cannot be audited is not served.
func (a *Auth) openRequestLog(w http.ResponseWriter, r *http.Request, rc *RequestContext) (uuid.UUID, []byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		response.Error(w, http.StatusBadRequest,
			"INVALID_REQUEST", "Could not read request body", nil)
		return uuid.Nil, nil, false
	}

	userID := rc.UserID
	rl := &models.RequestLog{
		ID:             uuid.New(),
		CorrelationID:  rc.CorrelationID,
		UserID:         &userID,
		APIKeyID:       rc.APIKeyID,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestHeaders: redactHeaders(r.Header),
		RequestBody:    truncate(string(body), storedBodyLimit),
		CreatedAt:      time.Now().UTC(),
	}

	if err := a.store.CreateRequestLog(r.Context(), rl); err != nil {
		slog.Error("creating request log", "error", err, "correlation_id", rc.CorrelationID)
		response.Error(w, http.StatusInternalServerError,
			"INTERNAL_ERROR", "Failed to record request", nil)
		return uuid.Nil, nil, false
	}

	rc.RequestLogID = rl.ID
	return rl.ID, body, true
}

// captureRecorder remembers the status and a bounded copy of the response
// body while passing everything through to the real writer.
type captureRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	limit  int
}

func (r *captureRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *captureRecorder) Write(b []byte) (int, error) {
	if r.body.Len() < r.limit {
		n := r.limit - r.body.Len()
		if n > len(b) {
			n = len(b)
		}
		r.body.Write(b[:n])
	}
	return r.ResponseWriter.Write(b)
}

func correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	id, err := gonanoid.New()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func redactHeaders(h http.Header) []byte {
	clone := h.Clone()
	if clone.Get("Authorization") != "" {
		clone.Set("Authorization", "[REDACTED]")
	}
	out, err := json.Marshal(clone)
	if err != nil {
		return []byte("{}")
	}
	return out
}

// truncate shortens s to maxBytes without splitting UTF-8 runes.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
