package reliability

import (
	"time"

	"github.com/ent0n29/carevoice/internal/fault"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableFault reports whether a client may resend the same turn after
// err. Input problems and aborted captures are not retryable.
func IsRetryableFault(err error) bool {
	switch fault.KindOf(err) {
	case fault.SessionBusy, fault.RateLimited, fault.GenerationFailed, fault.TranscriptionFailed, fault.DeviceUnavailable:
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
