// Package retry carries retryability as a property of an error value and
// computes exponential backoff delays for bounded retry loops.
//
// Invariants:
// - An error is retried only when it is explicitly marked retryable.
// - Backoff delays double per attempt and never exceed MaxDelay.
//
// Usage:
//
//	policy := retry.Policy{MaxAttempts: 7, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Minute}
//	if retry.IsRetryable(err) && !policy.Exhausted(attempts) {
//		time.Sleep(policy.Delay(attempts - 1))
//	}
package retry

import (
	"errors"
	"time"
)

// Policy bounds a retry loop by attempt count and spaces attempts with
// exponential backoff.
type Policy struct {
	MaxAttempts int           // total attempts including the first one; 0 means unbounded
	BaseDelay   time.Duration // delay after the first failure
	MaxDelay    time.Duration // ceiling for any single delay; 0 means no ceiling
}

// Delay returns BaseDelay × 2^retries capped at MaxDelay, where retries is the
// number of retries already scheduled (0 after the first failure).
func (p Policy) Delay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := p.BaseDelay
	for i := 0; i < retries; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempts has used up the attempt budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Error attaches an explicit retry decision to an underlying error.
type Error struct {
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable marks err as safe to retry. A nil error stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Retryable: true}
}

// Permanent marks err as not retryable, overriding any inner marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Retryable: false}
}

// IsRetryable reports whether the outermost retry marker in err's chain allows
// a retry. Unmarked errors are not retryable.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// StatusRetryable reports whether an HTTP status code describes a transient
// condition: request timeout, rate limiting or a server-side failure.
func StatusRetryable(code int) bool {
	switch {
	case code == 408, code == 409, code == 425, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
