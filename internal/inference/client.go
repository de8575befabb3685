// Package inference calls the remote email scoring service.
//
// Failures are classified as transient (timeout, 5xx: retried with
// exponential backoff) or fatal (4xx, auth, malformed response: never
// retried). The caller resolves exhausted or fatal failures per the
// fail-open policy; this package never archives, keeps, or guesses.
package inference

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/linnemanlabs/sieve/internal/email"
)

// maxBackoff caps the exponential backoff between attempts.
const maxBackoff = 5 * time.Second

// TransientError is a failure worth retrying: network error, timeout, or a
// 5xx-class response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient inference error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that retrying cannot fix: a 4xx response, an
// auth failure, or a response that does not satisfy the schema.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal inference error: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Result is the scorer's verdict for one email.
type Result struct {
	Decision     string  `json:"decision"`
	Confidence   float64 `json:"confidence"`
	Source       string  `json:"source"`
	Rule         string  `json:"rule,omitempty"`
	Reasoning    string  `json:"reasoning,omitempty"`
	ModelVersion string  `json:"model_version"`
}

// Options configures the client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // per attempt
	MaxRetries int
	Backoff    time.Duration // first retry delay, doubled per attempt

	// optional mTLS material for private scorer deployments
	CAFile         string
	ClientCertFile string
	ClientKeyFile  string
}

// Client calls the remote scorer over HTTP.
type Client struct {
	opts       Options
	httpClient *http.Client

	// sleep is swapped in tests to avoid real backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scorer client. It returns an error only when the mTLS
// material cannot be loaded.
func New(opts Options) (*Client, error) {
	transport, err := buildTransport(opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts: opts,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		sleep: sleepCtx,
	}, nil
}

func buildTransport(opts Options) (*http.Transport, error) {
	if opts.CAFile == "" && opts.ClientCertFile == "" {
		return nil, nil //nolint:nilnil // nil transport means http.DefaultTransport
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	if opts.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertFile, opts.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return &http.Transport{TLSClientConfig: tlsCfg}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Classify scores one email, retrying transient failures up to MaxRetries
// times with exponential backoff. The returned error is a *TransientError
// (after exhaustion), a *FatalError, or the context's error if the caller
// cancelled mid-flight.
func (c *Client) Classify(ctx context.Context, req *email.Request) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.opts.Backoff << (attempt - 1)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		result, err := c.classifyOnce(ctx, req)
		if err == nil {
			return result, nil
		}

		// cancelled callers abandon the sequence immediately
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var te *TransientError
		if !errors.As(err, &te) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

func (c *Client) classifyOnce(ctx context.Context, req *email.Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.BaseURL+"/v1/classify/email", bytes.NewReader(body))
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("scorer returned %d: %s", resp.StatusCode, truncate(respBody))}
	case resp.StatusCode != http.StatusOK:
		return nil, &FatalError{Err: fmt.Errorf("scorer returned %d: %s", resp.StatusCode, truncate(respBody))}
	}

	var out Result
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, &FatalError{Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if err := out.validate(); err != nil {
		return nil, &FatalError{Err: err}
	}
	return &out, nil
}

func (r *Result) validate() error {
	if r.Decision != "archive" && r.Decision != "keep" {
		return fmt.Errorf("decision must be archive or keep, got %q", r.Decision)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %g outside [0,1]", r.Confidence)
	}
	if r.ModelVersion == "" {
		return fmt.Errorf("model_version is required")
	}
	return nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
