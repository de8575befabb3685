// Package sqliteledger provides a single-node SQLite implementation of
// triage.Ledger for deployments without a PostgreSQL instance.
package sqliteledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/sieve/internal/triage"
)

//go:embed schema.sql
var schema string

// Ledger persists triage decisions in a local SQLite database.
// INSERT OR IGNORE on the message_id primary key is the serialization
// point for at-most-one-action.
type Ledger struct {
	db *sql.DB
}

// New opens (or creates) the database at path, applies pragmas and the
// schema, and returns a ready Ledger.
func New(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent reservations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close shuts down the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

const ledgerColumns = `message_id, decision, confidence, source, rule, model_version, action_status, recorded_at`

// Get retrieves the recorded decision for a message, if any.
func (l *Ledger) Get(ctx context.Context, messageID string) (*triage.Record, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM triage_decisions WHERE message_id = ?`, messageID)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

// Reserve inserts the record if no row exists for its message ID.
// When another writer got there first, the existing record is returned
// with fresh=false and nothing is written.
func (l *Ledger) Reserve(ctx context.Context, rec *triage.Record) (*triage.Record, bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO triage_decisions (`+ledgerColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MessageID, rec.Decision, rec.Confidence, string(rec.Source),
		rec.Rule, rec.ModelVersion, string(rec.ActionStatus),
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil, true, nil
	}

	existing, ok, err := l.Get(ctx, rec.MessageID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("reserve %s: lost conflicting row", rec.MessageID)
	}
	return existing, false, nil
}

// UpdateStatus rewrites the action status of an existing record.
func (l *Ledger) UpdateStatus(ctx context.Context, messageID string, status triage.ActionStatus) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE triage_decisions SET action_status = ? WHERE message_id = ?`,
		string(status), messageID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update status %s: no such record", messageID)
	}
	return nil
}

func scanRecord(row *sql.Row) (*triage.Record, error) {
	var (
		rec        triage.Record
		source     string
		status     string
		recordedAt string
	)
	err := row.Scan(
		&rec.MessageID, &rec.Decision, &rec.Confidence, &source,
		&rec.Rule, &rec.ModelVersion, &status, &recordedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("parse recorded_at: %w", err)
	}

	rec.Source = triage.Source(source)
	rec.ActionStatus = triage.ActionStatus(status)
	rec.RecordedAt = ts
	return &rec, nil
}
