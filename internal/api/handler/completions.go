package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/tollgate-ai/tollgate/internal/api/response"
	"github.com/tollgate-ai/tollgate/internal/assistant"
)

// Completer is the synchronous completion surface of the assistant client.
type Completer interface {
	CreateCompletion(ctx context.Context, req assistant.CompletionRequest) (*assistant.Completion, error)
}

type chatMessageRequest struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

type completionRequest struct {
	Model       string               `json:"model" validate:"required"`
	Messages    []chatMessageRequest `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   int                  `json:"max_tokens" validate:"omitempty,gte=1,lte=16384"`
	Temperature *float64             `json:"temperature" validate:"omitempty,gte=0,lte=2"`
}

// NewCompletionHandler returns the handler for POST /api/v1/completions, a
// synchronous proxy to the upstream chat completion API. The upstream usage
// object is passed through so the response stays meterable.
func NewCompletionHandler(client Completer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identity(w, r); !ok {
			return
		}

		var req completionRequest
		if !bindJSON(w, r, &req) {
			return
		}

		messages := make([]assistant.ChatMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			messages = append(messages, assistant.ChatMessage{Role: m.Role, Content: m.Content})
		}

		completion, err := client.CreateCompletion(r.Context(), assistant.CompletionRequest{
			Model:       req.Model,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
		if err != nil {
			switch {
			case errors.Is(err, assistant.ErrTimeout):
				response.Error(w, http.StatusGatewayTimeout, "UPSTREAM_ERROR",
					"The assistant API took too long to answer", nil)
			case errors.Is(err, assistant.ErrUnreachable), errors.Is(err, assistant.ErrUpstream):
				response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR",
					"The assistant API is not available", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, completion)
	}
}
