// Package assistant talks to the upstream assistant API: threads, messages,
// runs, and synchronous chat completions.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tollgate-ai/tollgate/internal/config"
)

// Sentinel errors for upstream API failures.
var (
	ErrUnreachable = errors.New("assistant api unreachable")
	ErrUpstream    = errors.New("assistant api error")
	ErrTimeout     = errors.New("assistant api timeout")
)

// Remote run statuses as reported by the upstream API.
const (
	RunStatusQueued         = "queued"
	RunStatusInProgress     = "in_progress"
	RunStatusRequiresAction = "requires_action"
	RunStatusCancelling     = "cancelling"
	RunStatusCompleted      = "completed"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
	RunStatusExpired        = "expired"
	RunStatusIncomplete     = "incomplete"
)

// TerminalFailure reports whether a remote run status is a dead end short of
// completion.
func TerminalFailure(status string) bool {
	switch status {
	case RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	}
	return false
}

// Client is the interface for the upstream assistant API.
type Client interface {
	CreateThread(ctx context.Context) (*Thread, error)
	AddMessage(ctx context.Context, threadID, role, content string) (*Message, error)
	CreateRun(ctx context.Context, threadID string, req RunRequest) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	CreateCompletion(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Thread is a remote conversation container.
type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// Message is a thread message with its content blocks flattened to text.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Usage is the token accounting attached to a run or completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RunError carries the upstream's failure detail for a dead run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is one assistant execution over a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    string    `json:"status"`
	Model     string    `json:"model,omitempty"`
	LastError *RunError `json:"last_error,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

// RunRequest defines parameters for creating a run.
type RunRequest struct {
	AssistantID  string          `json:"assistant_id"`
	Instructions string          `json:"instructions,omitempty"`
	Tools        json.RawMessage `json:"tools,omitempty"`
}

// ChatMessage is a single turn in a completion request or response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest defines parameters for a synchronous chat completion.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Completion is the response to a synchronous chat completion.
type Completion struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// HTTPClient implements Client against the assistant HTTP API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	apiVersion string
	client     *http.Client
}

// NewHTTPClient creates a new assistant HTTP client.
func NewHTTPClient(cfg config.AssistantConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *HTTPClient) CreateThread(ctx context.Context) (*Thread, error) {
	var t Thread
	if err := c.do(ctx, http.MethodPost, "/threads", struct{}{}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *HTTPClient) AddMessage(ctx context.Context, threadID, role, content string) (*Message, error) {
	body := map[string]string{"role": role, "content": content}
	var wm wireMessage
	path := fmt.Sprintf("/threads/%s/messages", url.PathEscape(threadID))
	if err := c.do(ctx, http.MethodPost, path, body, &wm); err != nil {
		return nil, err
	}
	m := wm.flatten()
	return &m, nil
}

func (c *HTTPClient) CreateRun(ctx context.Context, threadID string, req RunRequest) (*Run, error) {
	var r Run
	path := fmt.Sprintf("/threads/%s/runs", url.PathEscape(threadID))
	if err := c.do(ctx, http.MethodPost, path, req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *HTTPClient) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var r Run
	path := fmt.Sprintf("/threads/%s/runs/%s", url.PathEscape(threadID), url.PathEscape(runID))
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListMessages returns thread messages newest first.
func (c *HTTPClient) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	path := fmt.Sprintf("/threads/%s/messages?order=desc", url.PathEscape(threadID))
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}

	var list messageListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(list.Data))
	for _, wm := range list.Data {
		msgs = append(msgs, wm.flatten())
	}
	return msgs, nil
}

func (c *HTTPClient) CreateCompletion(ctx context.Context, req CompletionRequest) (*Completion, error) {
	var comp Completion
	if err := c.do(ctx, http.MethodPost, "/chat/completions", req, &comp); err != nil {
		return nil, err
	}
	return &comp, nil
}

// do issues one JSON request against the API and decodes the response into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	u := c.baseURL + path
	if c.apiVersion != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		u += sep + "api-version=" + url.QueryEscape(c.apiVersion)
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("api-key", c.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return upstreamError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// upstreamError turns a non-2xx response into an ErrUpstream with the API's
// own error message when one is present.
func upstreamError(resp *http.Response) error {
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, apiErr.Error.Message)
	}
	return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- Wire types ---

// The API delivers message content as typed blocks; only text blocks carry
// anything we surface.
type wireMessage struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	CreatedAt int64         `json:"created_at"`
	Content   []contentPart `json:"content"`
}

type contentPart struct {
	Type string    `json:"type"`
	Text *textPart `json:"text,omitempty"`
}

type textPart struct {
	Value string `json:"value"`
}

type messageListResponse struct {
	Data []wireMessage `json:"data"`
}

func (m wireMessage) flatten() Message {
	var parts []string
	for _, p := range m.Content {
		if p.Type == "text" && p.Text != nil {
			parts = append(parts, p.Text.Value)
		}
	}
	return Message{
		ID:        m.ID,
		Role:      m.Role,
		Content:   strings.Join(parts, "\n"),
		CreatedAt: m.CreatedAt,
	}
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
