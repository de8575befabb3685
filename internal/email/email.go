// Package email defines the inbound triage request contract shared by the
// API surface, the inference client, and the decision core.
package email

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemaError reports an invalid triage request payload. The API surface
// maps it to a 400 response.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// Request is a single email presented for triage. It is immutable once
// received; the core never retains it beyond producing a decision.
type Request struct {
	RequestID      string    `json:"request_id"`
	MessageID      string    `json:"message_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	Sender         string    `json:"sender"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	Date           time.Time `json:"date"`
	BodyText       string    `json:"body_text"`
	BodyHTML       string    `json:"body_html,omitempty"`
	GmailLabels    []string  `json:"gmail_labels,omitempty"`
	GmailCategory  string    `json:"gmail_category,omitempty"`
	InReplyTo      string    `json:"in_reply_to,omitempty"`
	References     []string  `json:"references,omitempty"`
	SentMessageIDs []string  `json:"sent_message_ids,omitempty"`
	IsStarred      bool      `json:"is_starred,omitempty"`
	IsRead         bool      `json:"is_read,omitempty"`
}

// Identity returns the key used for idempotency and canary bucketing:
// the message ID, falling back to the request ID when absent.
func (r *Request) Identity() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.RequestID
}

// SenderDomain returns the lowercased domain of the sender address, or ""
// when no address can be extracted. Display-name forms like
// `Name <a@b.com>` are handled.
func (r *Request) SenderDomain() string {
	addr := r.Sender
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// Validate checks the required-field contract.
func (r *Request) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"request_id", r.RequestID},
		{"message_id", r.MessageID},
		{"sender", r.Sender},
		{"to", r.To},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return &SchemaError{Field: f.field, Reason: "must not be empty"}
		}
	}
	if r.Date.IsZero() {
		return &SchemaError{Field: "date", Reason: "must be a valid RFC3339 timestamp"}
	}
	return nil
}

// Parse decodes and validates a triage request payload. Hosts may send
// extra fields; unknown keys are ignored, type mismatches are rejected.
func Parse(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &SchemaError{Field: "payload", Reason: err.Error()}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
