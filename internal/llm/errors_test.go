package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify_StatusCodes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{"rate limited", fmt.Errorf("provider status 429"), 429, KindRateLimited, true},
		{"server error", fmt.Errorf("provider status 500"), 500, KindServerError, true},
		{"bad gateway", fmt.Errorf("provider status 502"), 502, KindServerError, true},
		{"request timeout", fmt.Errorf("provider status 408"), 408, KindTimeout, true},
		{"validation", fmt.Errorf("provider status 400: bad tool schema"), 400, KindValidation, false},
		{"context length", fmt.Errorf("provider status 400: maximum context length is 8192 tokens"), 400, KindContextLengthExceeded, false},
		{"auth", fmt.Errorf("provider status 401"), 401, KindValidation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, tt.status)
			if got.Kind != tt.wantKind {
				t.Errorf("Classify(%v, %d).Kind = %s, want %s", tt.err, tt.status, got.Kind, tt.wantKind)
			}
			if got.Retryable() != tt.retryable {
				t.Errorf("Classify(%v, %d).Retryable() = %v, want %v", tt.err, tt.status, got.Retryable(), tt.retryable)
			}
		})
	}
}

func TestClassify_TextFallback(t *testing.T) {
	tests := []struct {
		msg      string
		wantKind ErrorKind
	}{
		{"dial tcp 127.0.0.1:8080: connection refused", KindConnection},
		{"read tcp: connection reset by peer", KindConnection},
		{"request timed out waiting for headers", KindTimeout},
		{"Too Many Requests, slow down", KindRateLimited},
		{"this model's maximum context length is exceeded", KindContextLengthExceeded},
		{"something else entirely", KindUnknown},
	}

	for _, tt := range tests {
		got := Classify(errors.New(tt.msg), 0)
		if got.Kind != tt.wantKind {
			t.Errorf("Classify(%q).Kind = %s, want %s", tt.msg, got.Kind, tt.wantKind)
		}
	}
}

func TestClassify_ContextErrors(t *testing.T) {
	if got := Classify(context.Canceled, 0); got.Kind != KindUserInterrupted {
		t.Errorf("context.Canceled classified as %s, want %s", got.Kind, KindUserInterrupted)
	}
	if got := Classify(context.DeadlineExceeded, 0); got.Kind != KindTimeout {
		t.Errorf("context.DeadlineExceeded classified as %s, want %s", got.Kind, KindTimeout)
	}
}

func TestClassify_StructuredTakesPrecedence(t *testing.T) {
	inner := &Error{Kind: KindRateLimited, Summary: "provider rate limit hit"}
	wrapped := fmt.Errorf("attempt failed: %w", inner)

	got := Classify(wrapped, 500)
	if got.Kind != KindRateLimited {
		t.Errorf("structured kind not preserved: got %s", got.Kind)
	}
}

func TestRetryExhausted_WrapsLastKind(t *testing.T) {
	last := &Error{Kind: KindConnection, Summary: "connection failed"}
	got := retryExhausted(last)

	if got.Kind != KindRetryExhausted {
		t.Fatalf("kind = %s, want %s", got.Kind, KindRetryExhausted)
	}
	if got.Retryable() {
		t.Error("retry-exhausted error must not be retryable")
	}
	var inner *Error
	if !errors.As(got.Unwrap(), &inner) || inner.Kind != KindConnection {
		t.Errorf("expected last underlying kind %s to be recoverable via Unwrap", KindConnection)
	}
}
