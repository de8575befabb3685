// Package memledger provides an in-memory implementation of triage.Ledger.
// Suitable for dev/testing; it does not survive restarts.
package memledger

import (
	"context"
	"sync"

	"github.com/linnemanlabs/sieve/internal/triage"
)

// Ledger holds idempotency records in memory.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*triage.Record // message ID -> record
}

// New initializes a new in-memory Ledger.
func New() *Ledger {
	return &Ledger{records: make(map[string]*triage.Record)}
}

// Get retrieves a record by message identity. Returns a copy.
func (l *Ledger) Get(_ context.Context, messageID string) (*triage.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[messageID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// Reserve atomically inserts rec unless a record already exists; the mutex
// makes the check-and-insert linearizable.
func (l *Ledger) Reserve(_ context.Context, rec *triage.Record) (*triage.Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.records[rec.MessageID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *rec
	l.records[rec.MessageID] = &cp
	return nil, true, nil
}

// UpdateStatus rewrites the recorded action status for a message.
func (l *Ledger) UpdateStatus(_ context.Context, messageID string, status triage.ActionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[messageID]; ok {
		r.ActionStatus = status
	}
	return nil
}
