package inference

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/sieve/internal/email"
)

func testRequest() *email.Request {
	return &email.Request{
		RequestID: "req-1",
		MessageID: "<m1@example.com>",
		Sender:    "alice@sender.example",
		To:        "bob@dest.example",
		Subject:   "hello",
		Date:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		BodyText:  "body",
	}
}

func newTestClient(t *testing.T, baseURL string, retries int) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		Backoff:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClassify_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/classify/email" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"decision":"archive","confidence":0.998,"source":"model","model_version":"v1","reasoning":"newsletter"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	got, err := c.Classify(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Decision != "archive" || got.Confidence != 0.998 {
		t.Errorf("result = %+v", got)
	}
}

func TestClassify_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream sad", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"decision":"keep","confidence":0.2,"source":"model","model_version":"v1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	got, err := c.Classify(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Decision != "keep" {
		t.Errorf("decision = %q", got.Decision)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestClassify_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.Classify(context.Background(), testRequest())

	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransientError", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want max_retries+1 = 3", n)
	}
}

func TestClassify_FatalNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad auth", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5)
	_, err := c.Classify(context.Background(), testRequest())

	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v, want *FatalError", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", n)
	}
}

func TestClassify_MalformedResponseIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"bad decision", `{"decision":"shred","confidence":0.5,"source":"model","model_version":"v1"}`},
		{"confidence out of range", `{"decision":"keep","confidence":1.7,"source":"model","model_version":"v1"}`},
		{"missing model_version", `{"decision":"keep","confidence":0.5,"source":"model"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, 2)
			_, err := c.Classify(context.Background(), testRequest())
			var fe *FatalError
			if !errors.As(err, &fe) {
				t.Errorf("error = %v, want *FatalError", err)
			}
		})
	}
}

func TestClassify_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 10)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Classify(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestBackoffCap(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 8)
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	c.opts.Backoff = 200 * time.Millisecond

	_, _ = c.Classify(context.Background(), testRequest())

	if len(waits) != 8 {
		t.Fatalf("waits = %d, want 8", len(waits))
	}
	// 200ms, 400ms, 800ms, 1.6s, 3.2s then capped
	if waits[0] != 200*time.Millisecond || waits[1] != 400*time.Millisecond {
		t.Errorf("early backoffs = %v", waits[:2])
	}
	for _, d := range waits {
		if d > maxBackoff {
			t.Errorf("backoff %v exceeds cap %v", d, maxBackoff)
		}
	}
}
