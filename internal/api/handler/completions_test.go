package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/tollgate-ai/tollgate/internal/assistant"
)

type mockCompleter struct {
	fn func(req assistant.CompletionRequest) (*assistant.Completion, error)
}

func (m *mockCompleter) CreateCompletion(_ context.Context, req assistant.CompletionRequest) (*assistant.Completion, error) {
	return m.fn(req)
}

func TestCompletionHandler_ProxiesUpstream(t *testing.T) {
	var captured assistant.CompletionRequest
	h := NewCompletionHandler(&mockCompleter{
		fn: func(req assistant.CompletionRequest) (*assistant.Completion, error) {
			captured = req
			return &assistant.Completion{
				ID:    "cmpl_1",
				Model: req.Model,
				Choices: []assistant.Choice{
					{Index: 0, Message: assistant.ChatMessage{Role: "assistant", Content: "Hello."}, FinishReason: "stop"},
				},
				Usage: assistant.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
			}, nil
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/completions", map[string]any{
		"model": "gpt-4o",
		"messages": []map[string]string{
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"},
		},
		"max_tokens": 64,
	}, caller(uuid.New())))

	data := dataOf(t, rec, http.StatusOK)
	if data["id"] != "cmpl_1" {
		t.Errorf("id = %v", data["id"])
	}

	// usage rides inside the data envelope, where the metering layer reads it
	usage, ok := data["usage"].(map[string]any)
	if !ok {
		t.Fatalf("usage missing: %v", data)
	}
	if usage["total_tokens"] != 15.0 {
		t.Errorf("total_tokens = %v", usage["total_tokens"])
	}

	if captured.Model != "gpt-4o" || len(captured.Messages) != 2 || captured.MaxTokens != 64 {
		t.Errorf("forwarded request = %+v", captured)
	}
	if captured.Messages[0].Role != "system" {
		t.Errorf("first role = %q", captured.Messages[0].Role)
	}
}

func TestCompletionHandler_RejectsUnknownRole(t *testing.T) {
	h := NewCompletionHandler(&mockCompleter{
		fn: func(assistant.CompletionRequest) (*assistant.Completion, error) {
			t.Fatal("upstream should not be called")
			return nil, nil
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/completions", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "robot", "content": "hi"}},
	}, caller(uuid.New())))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCompletionHandler_RequiresMessages(t *testing.T) {
	h := NewCompletionHandler(&mockCompleter{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/completions", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{},
	}, caller(uuid.New())))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	_, details := errEnvOf(t, rec)
	if _, ok := details["messages"]; !ok {
		t.Errorf("details missing messages: %v", details)
	}
}

func TestCompletionHandler_UpstreamTimeout(t *testing.T) {
	h := NewCompletionHandler(&mockCompleter{
		fn: func(assistant.CompletionRequest) (*assistant.Completion, error) {
			return nil, assistant.ErrTimeout
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/completions", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, caller(uuid.New())))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	code, _ := errEnvOf(t, rec)
	if code != "UPSTREAM_ERROR" {
		t.Errorf("code = %q", code)
	}
}

func TestCompletionHandler_UpstreamDown(t *testing.T) {
	h := NewCompletionHandler(&mockCompleter{
		fn: func(assistant.CompletionRequest) (*assistant.Completion, error) {
			return nil, assistant.ErrUnreachable
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/completions", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, caller(uuid.New())))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestCompletionHandler_NoIdentity(t *testing.T) {
	h := NewCompletionHandler(&mockCompleter{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedReq(t, "POST", "/api/v1/completions", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
