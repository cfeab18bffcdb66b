package exchange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError marks inputs the venue would reject: bad symbols, sizes
// quantized to zero, unsupported leverage. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// CircuitOpenError is returned when the breaker for a service blocks the
// call. Non-retryable; callers surface RetryIn to the user.
type CircuitOpenError struct {
	Service string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry in %s", e.Service, e.RetryIn.Round(time.Second))
}

// RateLimitError marks a rate-limited response. Retryable after backoff.
type RateLimitError struct {
	Exchange   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Exchange, e.RetryAfter.Round(time.Second))
}

// APIError is a generic upstream error carrying the venue's code and message
type APIError struct {
	Exchange   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %d (%s): %s", e.Exchange, e.StatusCode, e.Code, e.Message)
}

// TimeoutError marks a request that exceeded its deadline. Retryable once;
// after an order was dispatched it escalates to reconciliation instead.
type TimeoutError struct {
	Exchange string
	Op       string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out", e.Exchange, e.Op)
}

// InsufficientBalanceError is raised by the venue on the re-checked order
type InsufficientBalanceError struct {
	Exchange string
	Asset    string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance on %s", e.Asset, e.Exchange)
}

// IsRetryable reports whether an error may be retried: network/timeout
// errors, rate limits and upstream 5xx. Circuit-open and validation are
// never retried; 4xx other than 429 is not retried.
func IsRetryable(err error) bool {
	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return false
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429 || apiErr.StatusCode == 418
	}
	// Plain transport errors (connection reset, DNS) arrive unwrapped
	return err != nil
}

// IsRateLimited reports whether an error is a rate-limit classification
func IsRateLimited(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// IsRateLimitMessage sniffs a venue error message for rate-limit wording.
// Used on endpoints that hide throttling behind a 200 with an error body.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"rate", "limit", "too many", "429"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
