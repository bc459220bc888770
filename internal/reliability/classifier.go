package reliability

import (
	"context"
	"errors"
)

// Provider failures are classified as retryable when a later attempt in the
// same session may succeed without operator action. The orchestrator forwards
// the flag to the client so it knows whether to keep the session alive.

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableProviderCode classifies upstream error codes from the speech
// backends: realtime websocket message types and Polly API exception names.
func IsRetryableProviderCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "queue_overflow",
		"TooManyRequestsException", "ServiceFailureException":
		return true
	default:
		return false
	}
}

// IsRetryableStreamError classifies a failure that broke an established
// stream. Anything other than the caller's own cancellation is worth
// retrying on a later turn.
func IsRetryableStreamError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
