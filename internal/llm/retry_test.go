package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratos/relay/internal/types"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		Cooldown:      6 * time.Millisecond,
		CooldownSlice: 2 * time.Millisecond,
	}
}

func newTestClient(url string, policy RetryPolicy) *Client {
	return NewClient(Config{
		BaseURL:        url,
		Model:          "test-model",
		RequestTimeout: 5 * time.Second,
		Retry:          policy,
	})
}

func userMsg(content string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: content}}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, fastPolicy())
	got, err := c.Complete(context.Background(), userMsg("hi"), nil)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got.Message.Content != "ok" {
		t.Errorf("content = %q, want %q", got.Message.Content, "ok")
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
}

func TestRetry_PhasedExhaustion(t *testing.T) {
	// Three retryable failures fill the first phase, the cooldown elapses,
	// three more fill the extended phase, then the client gives up.
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var cooldownCalls atomic.Int32
	policy := fastPolicy()
	policy.OnCooldownProgress = func(remaining time.Duration) {
		cooldownCalls.Add(1)
	}

	c := newTestClient(srv.URL, policy)
	_, err := c.Complete(context.Background(), userMsg("hi"), nil)

	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindRetryExhausted {
		t.Fatalf("expected %s, got %v", KindRetryExhausted, err)
	}
	var last *Error
	if !errors.As(classified.Unwrap(), &last) || last.Kind != KindServerError {
		t.Errorf("expected last underlying kind %s, got %v", KindServerError, classified.Unwrap())
	}
	if n := requests.Load(); n != 6 {
		t.Errorf("expected 3 + 3 attempts across both phases, got %d", n)
	}
	if cooldownCalls.Load() == 0 {
		t.Error("cooldown progress callback never invoked")
	}
}

func TestRetry_NonRetryableSurfacesImmediately(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"this model's maximum context length is 8192 tokens"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, fastPolicy())
	_, err := c.Complete(context.Background(), userMsg("hi"), nil)

	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindContextLengthExceeded {
		t.Fatalf("expected %s, got %v", KindContextLengthExceeded, err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("context-length failure must not retry, saw %d requests", n)
	}
}

func TestRetry_AbortDuringCooldown(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	policy := fastPolicy()
	policy.Cooldown = 30 * time.Second
	policy.CooldownSlice = 5 * time.Millisecond

	c := newTestClient(srv.URL, policy)
	c.retry.OnCooldownProgress = func(remaining time.Duration) {
		c.Abort()
	}

	start := time.Now()
	_, err := c.Complete(context.Background(), userMsg("hi"), nil)
	elapsed := time.Since(start)

	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindUserInterrupted {
		t.Fatalf("expected %s, got %v", KindUserInterrupted, err)
	}
	if n := requests.Load(); n != 3 {
		t.Errorf("expected first phase only (3 requests), got %d", n)
	}
	if elapsed > 5*time.Second {
		t.Errorf("abort during cooldown took %v, want bounded latency", elapsed)
	}
}

func TestRetry_AbortCancelsInFlightRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv.URL, fastPolicy())

	done := make(chan error, 1)
	go func() {
		_, err := c.Complete(context.Background(), userMsg("hi"), nil)
		done <- err
	}()

	<-entered
	c.Abort()

	select {
	case err := <-done:
		var classified *Error
		if !errors.As(err, &classified) || classified.Kind != KindUserInterrupted {
			t.Fatalf("expected %s, got %v", KindUserInterrupted, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not cancel the in-flight request")
	}
}

func TestRetry_NextCallClearsInterruptFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"fine"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, fastPolicy())
	c.Abort()

	got, err := c.Complete(context.Background(), userMsg("hi"), nil)
	if err != nil {
		t.Fatalf("stale interrupt flag leaked into new call: %v", err)
	}
	if got.Message.Content != "fine" {
		t.Errorf("content = %q, want %q", got.Message.Content, "fine")
	}
}
