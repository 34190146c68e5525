package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tollgate-ai/tollgate/internal/store"
	"github.com/tollgate-ai/tollgate/pkg/models"
)

// Usage is the outermost stage. It owns the shared RequestContext and, once
// the inner chain has finished, meters whatever consumption the response
// declared. One usage record per authenticated request, zero counts included.
type Usage struct {
	store store.Store
}

func NewUsage(s store.Store) *Usage {
	return &Usage{store: s}
}

func (u *Usage) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, r := EnsureRequestContext(r)

		next.ServeHTTP(w, r)

		// Requests rejected before identity resolution have no one to bill.
		if !rc.Authenticated() {
			return
		}

		m := parseUsage(rc.ResponseBody)
		rec := &models.UsageRecord{
			ID:               uuid.New(),
			UserID:           rc.UserID,
			Endpoint:         EndpointKey(r),
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			TotalTokens:      m.TotalTokens,
			ImagesGenerated:  m.ImagesGenerated,
			AudioSeconds:     m.AudioSeconds,
			PagesProcessed:   m.PagesProcessed,
			CreditsCharged:   rc.CreditsCharged,
			CreatedAt:        time.Now().UTC(),
		}
		if rc.RequestLogID != uuid.Nil {
			id := rc.RequestLogID
			rec.RequestLogID = &id
		}
		if m.Model != "" {
			model := m.Model
			rec.Model = &model
		}

		if err := u.store.CreateUsageRecord(r.Context(), rec); err != nil {
			slog.Error("recording usage", "error", err,
				"user_id", rc.UserID, "correlation_id", rc.CorrelationID)
		}
	})
}

type usageMetrics struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ImagesGenerated  int
	AudioSeconds     float64
	PagesProcessed   int
}

// parseUsage scans a JSON response for the known metric fields. It checks a
// top-level usage object, the top level itself, then the same two spots
// inside a data envelope, and stops at the first level that declares any
// metric. Non-JSON bodies meter as zero.
func parseUsage(body []byte) usageMetrics {
	var m usageMetrics
	if len(body) == 0 {
		return m
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return m
	}

	var candidates []map[string]any
	if u, ok := doc["usage"].(map[string]any); ok {
		candidates = append(candidates, u)
	}
	candidates = append(candidates, doc)
	if data, ok := doc["data"].(map[string]any); ok {
		if u, ok := data["usage"].(map[string]any); ok {
			candidates = append(candidates, u)
		}
		candidates = append(candidates, data)
	}

	for _, c := range candidates {
		if readMetrics(c, &m) {
			break
		}
	}

	for _, c := range candidates {
		if model, ok := c["model"].(string); ok && model != "" {
			m.Model = model
			break
		}
	}

	return m
}

func readMetrics(obj map[string]any, m *usageMetrics) bool {
	found := false
	if v, ok := intField(obj, "prompt_tokens"); ok {
		m.PromptTokens = v
		found = true
	}
	if v, ok := intField(obj, "completion_tokens"); ok {
		m.CompletionTokens = v
		found = true
	}
	if v, ok := intField(obj, "total_tokens"); ok {
		m.TotalTokens = v
		found = true
	}
	if v, ok := intField(obj, "images_generated"); ok {
		m.ImagesGenerated = v
		found = true
	}
	if v, ok := obj["audio_seconds"].(float64); ok {
		m.AudioSeconds = v
		found = true
	}
	if v, ok := intField(obj, "pages_processed"); ok {
		m.PagesProcessed = v
		found = true
	}
	return found
}

func intField(obj map[string]any, name string) (int, bool) {
	v, ok := obj[name].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}
