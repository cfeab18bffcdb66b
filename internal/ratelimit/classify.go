package ratelimit

import (
	"errors"
	"strings"

	"whale-copy-trader/internal/exchange"
)

// Venue-specific rate-limit codes that appear in response bodies
const (
	binanceRateLimitCode = "-1015" // TOO_MANY_ORDERS
	okxRateLimitCode     = "50011" // requests too frequent
)

// IsRateLimitResponse classifies a raw HTTP outcome as rate-limited:
// 429 and 418 always; 403 only when the body mentions rate limiting;
// any status when the body carries a venue rate-limit code.
func IsRateLimitResponse(statusCode int, body string) bool {
	switch statusCode {
	case 429, 418:
		return true
	case 403:
		lower := strings.ToLower(body)
		if strings.Contains(lower, "rate") || strings.Contains(lower, "limit") {
			return true
		}
	}
	return strings.Contains(body, binanceRateLimitCode) || strings.Contains(body, okxRateLimitCode)
}

// IsRateLimitError classifies an error as rate-limited. Typed
// RateLimitError and APIError carry enough structure; untyped errors fall
// back to message sniffing, matching how upstream SDK errors surface.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var rlErr *exchange.RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		if IsRateLimitResponse(apiErr.StatusCode, apiErr.Code+" "+apiErr.Message) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"rate", "limit", "too many", "429"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
