package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerClient wraps a Client in a circuit breaker. When the upstream keeps
// failing, calls are rejected immediately instead of tying up executor
// workers for the full request timeout.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerClient creates a BreakerClient around inner. The breaker opens
// when at least 3 requests in the rolling interval have a failure ratio of
// 0.6 or higher.
func NewBreakerClient(inner Client) *BreakerClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "assistant",
		MaxRequests: 100,
		Interval:    5 * time.Second,
		Timeout:     3 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
	return &BreakerClient{inner: inner, cb: cb}
}

func (b *BreakerClient) CreateThread(ctx context.Context) (*Thread, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.CreateThread(ctx)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.(*Thread), nil
}

func (b *BreakerClient) AddMessage(ctx context.Context, threadID, role, content string) (*Message, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.AddMessage(ctx, threadID, role, content)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.(*Message), nil
}

func (b *BreakerClient) CreateRun(ctx context.Context, threadID string, req RunRequest) (*Run, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.CreateRun(ctx, threadID, req)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.(*Run), nil
}

func (b *BreakerClient) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.GetRun(ctx, threadID, runID)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.(*Run), nil
}

func (b *BreakerClient) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.ListMessages(ctx, threadID, limit)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.([]Message), nil
}

func (b *BreakerClient) CreateCompletion(ctx context.Context, req CompletionRequest) (*Completion, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.CreateCompletion(ctx, req)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.(*Completion), nil
}

// breakerError maps a rejected call to ErrUnreachable so callers treat an
// open circuit exactly like a dead upstream.
func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open", ErrUnreachable)
	}
	return err
}

var _ Client = (*BreakerClient)(nil)
