// Package archive wraps the host mail integration's archive capability.
// The capability is opaque and possibly slow or flaky; failures are
// reported, never retried here (a flaky-but-applied archive retried
// blindly is a duplicate side effect).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const httpTimeout = 30 * time.Second

// Archiver is the collaborator interface for the external archive action.
type Archiver interface {
	Archive(ctx context.Context, messageID string) error
}

// HTTPArchiver calls the host mail integration over HTTP.
type HTTPArchiver struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTP creates an archiver posting to the given endpoint, authenticating
// with token when non-empty.
func NewHTTP(endpoint, token string) *HTTPArchiver {
	return &HTTPArchiver{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: httpTimeout},
	}
}

// Archive implements Archiver.
func (a *HTTPArchiver) Archive(ctx context.Context, messageID string) error {
	body, err := json.Marshal(map[string]string{"message_id": messageID})
	if err != nil {
		return fmt.Errorf("marshal archive request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create archive request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("archive call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("archive returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
