package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a failure from an external collaborator. The scheduler
// never inspects raw errors; it acts on the kind.
type Kind int

const (
	// KindNone means no failure occurred.
	KindNone Kind = iota
	// KindQuotaExceeded is a rate-limit rejection (HTTP 429 or a
	// provider-specific signal). Expected under load, not a defect.
	KindQuotaExceeded
	// KindAuthExpired is an expired or invalid token (HTTP 401).
	KindAuthExpired
	// KindTransient covers 5xx responses, timeouts and network errors.
	KindTransient
	// KindPermanent covers other 4xx responses and malformed payloads.
	KindPermanent
	// KindOversized means the audio exceeds the provider's size ceiling.
	// Always permanent, never submitted.
	KindOversized
)

// String returns the kind name used in logs and the error tally.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindAuthExpired:
		return "auth_expired"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindOversized:
		return "oversized"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case KindQuotaExceeded, KindAuthExpired, KindTransient:
		return true
	default:
		return false
	}
}

// Error is a classified failure. It wraps the underlying error so callers
// can still unwrap provider detail with errors.Is/As.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified failure from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from err. Unclassified non-nil errors
// are mapped by shape: context/network errors are transient, everything
// else is permanent so that malformed responses never loop.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	// Some SDKs only surface the status code in the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit"):
		return KindQuotaExceeded
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return KindAuthExpired
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") || strings.Contains(msg, "eof"):
		return KindTransient
	}

	return KindPermanent
}

// ClassifyStatus maps an HTTP status code to a failure kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindQuotaExceeded
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindNone
	}
}

// StatusError builds a classified failure from an HTTP response status.
func StatusError(status int, body string) *Error {
	if len(body) > 256 {
		body = body[:256]
	}
	return &Error{
		Kind: ClassifyStatus(status),
		Err:  fmt.Errorf("unexpected status code: %d, response: %s", status, body),
	}
}
