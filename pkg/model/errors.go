package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrRateLimited is returned when an identity has exhausted its token
	// bucket. Errors wrapping it carry a "retry_after" value.
	ErrRateLimited = goerr.New("rate limited")

	// ErrEmbeddingUnavailable indicates the embedding provider failed.
	// Retrieval degrades to an empty context instead of failing the request.
	ErrEmbeddingUnavailable = goerr.New("embedding unavailable")

	// ErrProviderError indicates the generation provider failed or timed
	// out after bounded retries.
	ErrProviderError = goerr.New("provider error")

	// ErrPersistence indicates a storage write failed. A generation that
	// already produced a reply completes degraded instead of failing.
	ErrPersistence = goerr.New("persistence failure")

	// ErrInvalidInput rejects a request before any side effect.
	ErrInvalidInput = goerr.New("invalid input")

	// ErrPolicyDenied rejects a request by admission policy before the
	// limiter spends any budget.
	ErrPolicyDenied = goerr.New("denied by policy")

	ErrInvalidRole          = goerr.New("invalid role")
	ErrInvalidOutcome       = goerr.New("invalid outcome")
	ErrConversationNotFound = goerr.New("conversation not found")
)

// RetryAfterFrom extracts the retry hint attached to a rate limit error.
func RetryAfterFrom(err error) (time.Duration, bool) {
	if v, ok := goerr.Values(err)["retry_after"]; ok {
		if d, ok := v.(time.Duration); ok {
			return d, true
		}
	}
	return 0, false
}
