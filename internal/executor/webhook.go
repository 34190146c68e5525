package executor

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookNotifier delivers job completion callbacks. Delivery is best
// effort: one attempt with a short timeout, failures are logged and dropped.
type WebhookNotifier struct {
	client *http.Client
}

type webhookPayload struct {
	JobID     uuid.UUID       `json:"job_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewWebhookNotifier creates a notifier with the given per-delivery timeout.
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
	}
}

// Notify posts the job's terminal status to url. Never retries, never
// surfaces an error to the caller.
func (n *WebhookNotifier) Notify(url string, jobID uuid.UUID, status string, result json.RawMessage) {
	body, err := json.Marshal(webhookPayload{
		JobID:     jobID,
		Status:    status,
		Result:    result,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("encoding webhook payload", "error", err, "job_id", jobID)
		return
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook delivery failed", "job_id", jobID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("webhook rejected", "job_id", jobID, "url", url, "status", resp.StatusCode)
		return
	}

	slog.Debug("webhook delivered", "job_id", jobID, "url", url)
}
