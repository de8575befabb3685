// Package telemetry records every triage decision as an append-only
// line-delimited log. Events carry hashed and redacted email metadata
// only; raw subjects and bodies never reach disk.
package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sieve/internal/email"
)

const snippetMaxChars = 180

var (
	emailRe      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	longNumberRe = regexp.MustCompile(`\d{4,}`)
)

// Event is one recorded decision. Events are immutable once written.
type Event struct {
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	MessageID      string    `json:"message_id"`
	ThreadIDHash   string    `json:"thread_id_hash"`
	SenderDomain   string    `json:"sender_domain"`
	SubjectHash    string    `json:"subject_hash"`
	Snippet        string    `json:"snippet_redacted"`
	Decision       string    `json:"decision"`
	Confidence     float64   `json:"confidence"`
	Source         string    `json:"source"`
	Rule           string    `json:"rule,omitempty"`
	ModelVersion   string    `json:"model_version"`
	ThresholdUsed  float64   `json:"threshold_used"`
	LatencyMS      int64     `json:"latency_ms"`
	ActionStatus   string    `json:"action_status"`
	RolloutPath    string    `json:"rollout_path,omitempty"`
}

// Decision is the subset of the triage outcome an event needs. Declared
// here so the sink does not import the triage package.
type Decision struct {
	Decision      string
	Confidence    float64
	Source        string
	Rule          string
	ModelVersion  string
	ThresholdUsed float64
	LatencyMS     int64
	ActionStatus  string
	RolloutPath   string
}

// Build assembles a redacted event from a request and its decision.
func Build(req *email.Request, d Decision, now time.Time) Event {
	return Event{
		EventID:       ulid.Make().String(),
		Timestamp:     now.UTC(),
		RequestID:     req.RequestID,
		MessageID:     req.MessageID,
		ThreadIDHash:  hashHex(req.ThreadID),
		SenderDomain:  req.SenderDomain(),
		SubjectHash:   hashHex(req.Subject),
		Snippet:       RedactSnippet(req.BodyText),
		Decision:      d.Decision,
		Confidence:    d.Confidence,
		Source:        d.Source,
		Rule:          d.Rule,
		ModelVersion:  d.ModelVersion,
		ThresholdUsed: d.ThresholdUsed,
		LatencyMS:     d.LatencyMS,
		ActionStatus:  d.ActionStatus,
		RolloutPath:   d.RolloutPath,
	}
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RedactSnippet truncates body text and scrubs email addresses and long
// digit runs before the snippet is allowed into the log.
func RedactSnippet(text string) string {
	if len(text) > snippetMaxChars {
		text = text[:snippetMaxChars]
	}
	text = emailRe.ReplaceAllString(text, "[email]")
	text = longNumberRe.ReplaceAllString(text, "[number]")
	return text
}

// Sink persists decision events.
type Sink interface {
	Log(ctx context.Context, ev Event) error
}

// NullSink discards events. Used when no telemetry path is configured.
type NullSink struct{}

// Log implements Sink.
func (NullSink) Log(context.Context, Event) error { return nil }

// JSONLSink appends events to a line-delimited JSON file. Each event is
// written with a single O_APPEND write so concurrent writers interleave at
// line granularity, never mid-line.
type JSONLSink struct {
	path string
}

// NewJSONLSink creates the parent directory and returns a sink for path.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	return &JSONLSink{path: path}, nil
}

// Log appends one event.
func (s *JSONLSink) Log(_ context.Context, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open telemetry log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

// ReadEvents loads every complete event from a JSONL file. A trailing
// partial line (a writer mid-append at the moment of read) and malformed
// lines are skipped rather than failing the whole read.
func ReadEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read telemetry log: %w", err)
	}

	// drop a trailing partial line
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		return nil, nil
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan telemetry log: %w", err)
	}
	return events, nil
}
