package ai

import (
	"context"
	"math/rand"
	"time"

	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Retry policy defaults. A retryable failure before any content arrived
// is retried with exponential backoff plus jitter; once the model has
// produced output the stream is not restartable and the error surfaces.
const (
	DefaultMaxRetries   = 3
	retryBaseDelay      = 500 * time.Millisecond
	retryMaxDelay       = 8 * time.Second
	retryJitterFraction = 0.25
)

// RetryingProvider wraps a Provider with the kernel's retry policy.
type RetryingProvider struct {
	Provider
	MaxRetries int
}

// WithRetry wraps p so retryable request failures are retried.
func WithRetry(p Provider) *RetryingProvider {
	return &RetryingProvider{Provider: p, MaxRetries: DefaultMaxRetries}
}

// Stream opens the underlying stream, retrying while the failure is
// retryable and nothing has been emitted yet.
func (r *RetryingProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, 64)
	go r.run(ctx, req, out)
	return out, nil
}

func (r *RetryingProvider) run(ctx context.Context, req *ChatRequest, out chan<- StreamEvent) {
	defer close(out)

	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr *ProviderError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			logging.Warnf("[ai] %s retry %d/%d in %v: %s", r.ID(), attempt, maxRetries, delay, lastErr.Message)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				out <- StreamEvent{Type: EventError, Err: ClassifyError(ctx.Err())}
				return
			}
		}

		events, err := r.Provider.Stream(ctx, req)
		if err != nil {
			lastErr = ClassifyError(err)
			if lastErr.Retryable {
				continue
			}
			out <- StreamEvent{Type: EventError, Err: lastErr}
			return
		}

		emitted := false
		retry := false
		for ev := range events {
			if ev.Type == EventError && !emitted && ev.Err != nil && ev.Err.Retryable {
				// Failed before producing anything; safe to retry.
				lastErr = ev.Err
				retry = true
				break
			}
			if ev.Type == EventChunk || ev.Type == EventToolCall {
				emitted = true
			}
			out <- ev
			if ev.Type == EventEnd || ev.Type == EventError {
				return
			}
		}
		if retry {
			// Drain the remainder of the dead stream.
			for range events {
			}
			continue
		}
		// Channel closed without a terminal event; treat as clean end.
		out <- StreamEvent{Type: EventEnd, FinishReason: FinishStop}
		return
	}

	out <- StreamEvent{Type: EventError, Err: lastErr}
}

// backoffDelay returns the exponential delay for the given attempt with
// jitter applied.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt-1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(float64(delay) * retryJitterFraction)))
	return delay + jitter
}
