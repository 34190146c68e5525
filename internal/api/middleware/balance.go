package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tollgate-ai/tollgate/internal/api/response"
	"github.com/tollgate-ai/tollgate/internal/cache"
	"github.com/tollgate-ai/tollgate/internal/metrics"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

// costTTL is how long a looked-up endpoint cost stays cached. Price changes
// take up to this long to reach the hot path.
const costTTL = 5 * time.Minute

// Balance deducts the endpoint's cost from the caller before the handler
// runs. The deduction is a single conditional update, so concurrent requests
// can never overdraw. Admin-prefixed routes skip the stage.
type Balance struct {
	store   store.Store
	cache   cache.Cache
	metrics *metrics.Collector
}

func NewBalance(s store.Store, c cache.Cache, m *metrics.Collector) *Balance {
	return &Balance{store: s, cache: c, metrics: m}
}

func (b *Balance) Deduct(next http.Handler) http.Handler {
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

		endpoint := EndpointKey(r)
		cost, err := b.endpointCost(r, endpoint)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"BALANCE_CHECK_FAILED", "Could not determine endpoint cost", nil)
			return
		}

		if cost <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		if err := b.store.DeductBalance(r.Context(), rc.UserID, cost); err != nil {
			if errors.Is(err, store.ErrInsufficientBalance) {
				response.Error(w, http.StatusPaymentRequired,
					"INSUFFICIENT_BALANCE", "Insufficient balance for this endpoint",
					map[string]any{"required": cost})
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"BALANCE_CHECK_FAILED", "Could not deduct balance", nil)
			return
		}

		rc.CreditsCharged = cost
		b.metrics.RecordCreditsDeducted(cost)
		b.recordTransaction(r, rc, endpoint, cost)

		next.ServeHTTP(w, r)
	})
}

// endpointCost resolves the price of an endpoint, redis first with the store
// as fallback. An endpoint with no cost row is free. Cache failures fall
// through to the store; only a store failure is an error.
func (b *Balance) endpointCost(r *http.Request, endpoint string) (float64, error) {
	if credits, ok, err := b.cache.GetEndpointCost(r.Context(), endpoint); err == nil && ok {
		return credits, nil
	}

	cost, err := b.store.GetEndpointCost(r.Context(), endpoint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = b.cache.SetEndpointCost(r.Context(), endpoint, 0, costTTL)
			return 0, nil
		}
		return 0, err
	}

	_ = b.cache.SetEndpointCost(r.Context(), endpoint, cost.Credits, costTTL)
	return cost.Credits, nil
}

// recordTransaction writes the signed ledger entry for a deduction. The
// deduction itself already succeeded, so a ledger failure is logged rather
// than surfaced.
func (b *Balance) recordTransaction(r *http.Request, rc *RequestContext, endpoint string, cost float64) {
	tx := &models.BalanceTransaction{
		ID:        uuid.New(),
		UserID:    rc.UserID,
		Amount:    -cost,
		Reason:    models.TxReasonDeduction,
		Endpoint:  &endpoint,
		CreatedAt: time.Now().UTC(),
	}
	if rc.RequestLogID != uuid.Nil {
		id := rc.RequestLogID
		tx.RequestLogID = &id
	}

	if err := b.store.CreateBalanceTransaction(r.Context(), tx); err != nil {
		slog.Error("recording balance transaction", "error", err,
			"user_id", rc.UserID, "endpoint", endpoint, "amount", -cost)
	}
}
