package reliability

import (
	"net/http"
	"time"
)

// IsRetryableHTTPStatus classifies handshake status codes worth a reconnect.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableProviderError classifies provider error codes that indicate a
// transient upstream condition rather than a bad request.
func IsRetryableProviderError(code string) bool {
	switch code {
	case "rate_limit_exceeded", "resource_exhausted", "server_error", "overloaded",
		"connection_terminated", "unavailable":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
