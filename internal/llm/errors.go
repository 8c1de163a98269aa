package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is the typed classification of a completion failure.
type ErrorKind string

const (
	KindRateLimited           ErrorKind = "rate_limited"
	KindConnection            ErrorKind = "connection"
	KindTimeout               ErrorKind = "timeout"
	KindServerError           ErrorKind = "server_error"
	KindContextLengthExceeded ErrorKind = "context_length_exceeded"
	KindStreaming             ErrorKind = "streaming"
	KindUserInterrupted       ErrorKind = "user_interrupted"
	KindValidation            ErrorKind = "validation"
	KindRetryExhausted        ErrorKind = "retry_exhausted"
	KindUnknown               ErrorKind = "unknown"
)

// Error is a classified completion failure. The kind is attached at the point
// the failure is first observed and propagated as-is; downstream layers never
// re-derive it from message text.
type Error struct {
	Kind    ErrorKind
	Status  int    // HTTP status when known, 0 otherwise
	Summary string // human-readable summary, distinct from raw transport text
	Err     error  // underlying cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Summary, e.Err)
	}
	return e.Summary
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry state machine may re-attempt the call.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindConnection, KindTimeout, KindServerError:
		return true
	default:
		return false
	}
}

// errInterrupted is returned whenever the user interrupt flag short-circuits a
// call or a pending retry wait.
func errInterrupted() *Error {
	return &Error{Kind: KindUserInterrupted, Summary: "request interrupted"}
}

// retryExhausted wraps the last underlying failure once both retry phases are
// spent, so callers can distinguish "still the same transient failure" from
// "we gave up".
func retryExhausted(last *Error) *Error {
	return &Error{
		Kind:    KindRetryExhausted,
		Status:  last.Status,
		Summary: fmt.Sprintf("retries exhausted (last failure: %s)", last.Kind),
		Err:     last,
	}
}

// Classify maps a raw failure and optional HTTP status onto a typed Error.
// An already-classified *Error passes through unchanged; substring matching on
// the raw message is the fallback path only.
func Classify(err error, status int) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.Canceled) {
		return errInterrupted()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Summary: "request timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Status: status, Summary: "network timeout", Err: err}
		}
		return &Error{Kind: KindConnection, Status: status, Summary: "connection failed", Err: err}
	}

	if kind, summary, ok := classifyStatus(status, errText(err)); ok {
		return &Error{Kind: kind, Status: status, Summary: summary, Err: err}
	}

	if kind, summary, ok := classifyText(errText(err)); ok {
		return &Error{Kind: kind, Status: status, Summary: summary, Err: err}
	}

	return &Error{Kind: KindUnknown, Status: status, Summary: "completion failed", Err: err}
}

func classifyStatus(status int, msg string) (ErrorKind, string, bool) {
	switch {
	case status == 429:
		return KindRateLimited, "provider rate limit hit", true
	case status >= 500:
		return KindServerError, fmt.Sprintf("provider server error (%d)", status), true
	case status == 408:
		return KindTimeout, "provider request timeout", true
	case status == 400 || status == 413:
		if isContextLengthText(msg) {
			return KindContextLengthExceeded, "conversation exceeds the model context window", true
		}
		return KindValidation, "provider rejected the request", true
	case status == 401 || status == 403 || status == 404 || status == 422:
		return KindValidation, "provider rejected the request", true
	}
	return "", "", false
}

// classifyText is the best-effort substring fallback for transports that only
// surface a flat error string.
func classifyText(msg string) (ErrorKind, string, bool) {
	lower := strings.ToLower(msg)
	switch {
	case lower == "":
		return "", "", false
	case isContextLengthText(lower):
		return KindContextLengthExceeded, "conversation exceeds the model context window", true
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "429"):
		return KindRateLimited, "provider rate limit hit", true
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "deadline exceeded"):
		return KindTimeout, "request timed out", true
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "econnreset"),
		strings.Contains(lower, "unexpected eof"):
		return KindConnection, "connection failed", true
	}
	return "", "", false
}

func isContextLengthText(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "too many tokens")
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
