package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	openai "github.com/sashabaranov/go-openai"

	"rai/internal/logger"
	"rai/internal/redact"
)

// ErrRetriesExhausted is returned when every attempt failed with a transient error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// StatusError is an HTTP failure reported by a provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	MaxAttempts uint          `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// DefaultRetryPolicy makes five attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// RetryingClient wraps a Client and retries transient failures.
type RetryingClient struct {
	client Client
	policy RetryPolicy
}

// NewRetryingClient creates a retrying wrapper around client
func NewRetryingClient(client Client, policy RetryPolicy) *RetryingClient {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultRetryPolicy().Backoff
	}
	if policy.MaxBackoff < policy.Backoff {
		policy.MaxBackoff = policy.Backoff
	}
	return &RetryingClient{client: client, policy: policy}
}

// Policy returns the effective retry policy.
func (r *RetryingClient) Policy() RetryPolicy {
	return r.policy
}

// Complete forwards req to the wrapped client until it succeeds, fails
// permanently, or the attempt budget runs out.
func (r *RetryingClient) Complete(ctx context.Context, req Request) (Message, error) {
	if err := req.Sampling.Validate(); err != nil {
		return Message{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.Backoff
	b.MaxInterval = r.policy.MaxBackoff

	attempts := 0
	msg, err := backoff.Retry(ctx, func() (Message, error) {
		attempts++
		m, err := r.client.Complete(ctx, req)
		if err == nil {
			return m, nil
		}
		if !IsRetryable(err) {
			return Message{}, backoff.Permanent(err)
		}
		return Message{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnf("completion attempt %d/%d failed, retrying in %s: %s",
				attempts, r.policy.MaxAttempts, next.Round(time.Millisecond), redact.Redact(err.Error()))
		}),
	)
	if err == nil {
		return msg, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	if IsRetryable(err) {
		return Message{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
	}
	return Message{}, err
}

// IsRetryable reports whether err is a transient failure: network errors,
// timeouts reported by the server, rate limiting and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if code := StatusCode(err); code != 0 {
		return isRetryableStatus(code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// StatusCode extracts the HTTP status of a failed request, or 0 when err
// carries none.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// isRetryableStatus checks if a status code warrants another attempt
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}
