package platform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("platform: invalid api credentials")
	ErrDisconnected       = errors.New("platform: disconnected")
	ErrSessionExpired     = errors.New("platform: session expired")
	ErrAccountBlocked     = errors.New("platform: account disabled")
	ErrInvalidCode        = errors.New("platform: invalid or expired code")
	ErrInvalidPassword    = errors.New("platform: invalid password")
	ErrInvalidPhone       = errors.New("platform: invalid phone number")
	ErrTransient          = errors.New("platform: transient failure")
)

// RateLimitError means the platform imposed a cooldown. Callers must not
// retry before RetryAfter has elapsed.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform: rate limited, retry after %ds", e.Seconds())
}

// Seconds rounds the wait up to whole seconds.
func (e *RateLimitError) Seconds() int {
	return int(math.Ceil(e.RetryAfter.Seconds()))
}

func RateLimited(d time.Duration) error {
	return &RateLimitError{RetryAfter: d}
}

// AsRateLimit extracts a *RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsTransient reports whether err is a retryable network-level failure,
// including a call deadline expiring.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// AccountLevel reports whether err concerns the sending account rather than
// one recipient. Such errors stop further use of the account in a batch.
func AccountLevel(err error) bool {
	if _, ok := AsRateLimit(err); ok {
		return true
	}
	return errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrAccountBlocked) ||
		errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrInvalidCredentials)
}
