package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sieve/internal/email"
)

func testRequest() *email.Request {
	return &email.Request{
		RequestID: "req-1",
		MessageID: "<m1@example.com>",
		ThreadID:  "thread-1",
		Sender:    "Alice <alice@sender.example>",
		To:        "bob@dest.example",
		Subject:   "quarterly report",
		Date:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		BodyText:  "contact alice@sender.example or call 5551234567 about order 99881",
	}
}

func testDecision() Decision {
	return Decision{
		Decision:      "archive",
		Confidence:    0.998,
		Source:        "model",
		ModelVersion:  "v1",
		ThresholdUsed: 0.995,
		LatencyMS:     42,
		ActionStatus:  "archived",
		RolloutPath:   "full_live",
	}
}

func TestBuild_RedactsPII(t *testing.T) {
	t.Parallel()

	ev := Build(testRequest(), testDecision(), time.Now())

	if strings.Contains(ev.Snippet, "alice@sender.example") {
		t.Errorf("snippet leaks email address: %q", ev.Snippet)
	}
	if strings.Contains(ev.Snippet, "5551234567") {
		t.Errorf("snippet leaks long number: %q", ev.Snippet)
	}
	if !strings.Contains(ev.Snippet, "[email]") || !strings.Contains(ev.Snippet, "[number]") {
		t.Errorf("snippet not redacted: %q", ev.Snippet)
	}
	if ev.SubjectHash == "" || strings.Contains(ev.SubjectHash, "quarterly") {
		t.Errorf("subject not hashed: %q", ev.SubjectHash)
	}
	if ev.SenderDomain != "sender.example" {
		t.Errorf("sender_domain = %q", ev.SenderDomain)
	}
	if len(ev.ThreadIDHash) != 64 {
		t.Errorf("thread_id_hash = %q, want sha256 hex", ev.ThreadIDHash)
	}
}

func TestBuild_UniqueEventIDs(t *testing.T) {
	t.Parallel()

	a := Build(testRequest(), testDecision(), time.Now())
	b := Build(testRequest(), testDecision(), time.Now())
	if a.EventID == "" || a.EventID == b.EventID {
		t.Errorf("event ids = %q, %q, want distinct non-empty", a.EventID, b.EventID)
	}
}

func TestRedactSnippet_Truncates(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 500)
	if got := RedactSnippet(long); len(got) != snippetMaxChars {
		t.Errorf("len = %d, want %d", len(got), snippetMaxChars)
	}
}

func TestJSONLSink_AppendAndRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := sink.Log(context.Background(), Build(testRequest(), testDecision(), time.Now())); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].ActionStatus != "archived" || events[0].Decision != "archive" {
		t.Errorf("event round trip = %+v", events[0])
	}
}

func TestJSONLSink_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = sink.Log(context.Background(), Build(testRequest(), testDecision(), time.Now()))
			}
		}()
	}
	wg.Wait()

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != writers*perWriter {
		t.Errorf("events = %d, want %d (no torn lines)", len(events), writers*perWriter)
	}
}

func TestReadEvents_SkipsTrailingPartialLine(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	if err := sink.Log(context.Background(), Build(testRequest(), testDecision(), time.Now())); err != nil {
		t.Fatalf("Log: %v", err)
	}

	// simulate a writer caught mid-append
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"timestamp":"2026-08-01T10:`); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	events, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1 (partial line skipped)", len(events))
	}
}

func TestNullSink(t *testing.T) {
	t.Parallel()

	if err := (NullSink{}).Log(context.Background(), Event{}); err != nil {
		t.Errorf("NullSink.Log = %v", err)
	}
}
