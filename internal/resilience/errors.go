package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind classifies a failed call so the retry controller and key pool can
// react to it.
type Kind int

const (
	// KindTransient covers network errors, timeouts and 5xx responses.
	KindTransient Kind = iota
	// KindRateLimited means the credential was throttled; retry with another.
	KindRateLimited
	// KindQuotaExhausted means the credential ran out of quota.
	KindQuotaExhausted
	// KindMalformed means the service answered with an unusable payload.
	KindMalformed
	// KindFatal is not retryable.
	KindFatal
	// KindAborted stops the job without consuming an attempt, e.g. when the
	// run is cancelled or no credential can ever be handed out again.
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindMalformed:
		return "malformed"
	case KindFatal:
		return "fatal"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	return k != KindFatal && k != KindAborted
}

// Error is a classified failure from an external call.
type Error struct {
	Kind       Kind
	Err        error
	StatusCode int

	// RetryAfter is the server's hint for how long to wait, if it gave one.
	RetryAfter *time.Duration

	// CredentialFault marks fatal errors caused by the credential itself,
	// such as an invalid or revoked key.
	CredentialFault bool
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *Error {
	return &Error{Kind: KindTransient, Err: err, StatusCode: statusCode}
}

// NewRateLimitedError wraps a throttling response.
func NewRateLimitedError(err error, retryAfter *time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Err: err, StatusCode: 429, RetryAfter: retryAfter}
}

// NewQuotaError wraps a quota or billing response.
func NewQuotaError(err error, statusCode int, retryAfter *time.Duration) *Error {
	return &Error{Kind: KindQuotaExhausted, Err: err, StatusCode: statusCode, RetryAfter: retryAfter}
}

// NewMalformedError wraps an unusable response body.
func NewMalformedError(err error) *Error {
	return &Error{Kind: KindMalformed, Err: err}
}

// NewFatalError wraps a non-retryable failure.
func NewFatalError(err error, statusCode int, credentialFault bool) *Error {
	return &Error{Kind: KindFatal, Err: err, StatusCode: statusCode, CredentialFault: credentialFault}
}

// NewAbortedError wraps a failure that ends the job without an attempt.
func NewAbortedError(err error) *Error {
	return &Error{Kind: KindAborted, Err: err}
}

// KindOf classifies err. Explicit *Error values win; context errors are
// aborted; otherwise network heuristics decide between transient and fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindFatal
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) *time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return nil
}

// IsCredentialFault reports whether err blames the credential itself.
func IsCredentialFault(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.CredentialFault
}

// IsTransient returns true if the error (or any error in its chain) is a
// transient *Error, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindTransient
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status from an AI service to a classified
// error. quota marks responses whose body identified a quota or billing
// problem.
func ClassifyStatus(err error, statusCode int, retryAfter *time.Duration, quota bool) *Error {
	switch {
	case quota || statusCode == 402:
		return NewQuotaError(err, statusCode, retryAfter)
	case statusCode == 429:
		return NewRateLimitedError(err, retryAfter)
	case statusCode == 401 || statusCode == 403:
		return NewFatalError(err, statusCode, true)
	case IsTransientHTTPStatus(statusCode) || statusCode >= 500:
		e := NewTransientError(err, statusCode)
		e.RetryAfter = retryAfter
		return e
	default:
		return NewFatalError(err, statusCode, false)
	}
}

// ParseRetryAfter reads a Retry-After header value in seconds or HTTP-date form.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs >= 0 {
		return &secs
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
