// Package pgledger provides a PostgreSQL implementation of triage.Ledger.
package pgledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sieve/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sieve/internal/triage/pgledger")

//go:embed schema.sql
var schema string

// Ledger persists triage decisions in PostgreSQL. Row insertion is the
// serialization point for at-most-one-action: the primary key on
// message_id makes concurrent reservations race to a single winner.
type Ledger struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Ledger.
// The pool is owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Ledger, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{pool: pool}, nil
}

const ledgerColumns = `message_id, decision, confidence, source, rule, model_version, action_status, recorded_at`

// Get retrieves the recorded decision for a message, if any.
func (l *Ledger) Get(ctx context.Context, messageID string) (*triage.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgledger.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + ledgerColumns + ` FROM triage_decisions WHERE message_id = $1`
	rec, err := scanRecord(l.pool.QueryRow(ctx, query, messageID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
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
	ctx, span := tracer.Start(ctx, "pgledger.Reserve", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tag, err := l.pool.Exec(ctx,
		`INSERT INTO triage_decisions (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (message_id) DO NOTHING`,
		rec.MessageID, rec.Decision, rec.Confidence, string(rec.Source),
		rec.Rule, rec.ModelVersion, string(rec.ActionStatus), rec.RecordedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("insert decision: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}

	existing, ok, err := l.Get(ctx, rec.MessageID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// conflicting row vanished between insert and select
		return nil, false, fmt.Errorf("reserve %s: lost conflicting row", rec.MessageID)
	}
	return existing, false, nil
}

// UpdateStatus rewrites the action status of an existing record.
func (l *Ledger) UpdateStatus(ctx context.Context, messageID string, status triage.ActionStatus) error {
	ctx, span := tracer.Start(ctx, "pgledger.UpdateStatus", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	tag, err := l.pool.Exec(ctx,
		`UPDATE triage_decisions SET action_status = $2 WHERE message_id = $1`,
		messageID, string(status),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update status %s: no such record", messageID)
	}
	return nil
}

// scanRecord scans a single row into a triage.Record.
// Returns (nil, nil) when no row is found.
func scanRecord(row pgx.Row) (*triage.Record, error) {
	var (
		rec      triage.Record
		decision string
		source   string
		status   string
	)
	err := row.Scan(
		&rec.MessageID, &decision, &rec.Confidence, &source,
		&rec.Rule, &rec.ModelVersion, &status, &rec.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	rec.Decision = decision
	rec.Source = triage.Source(source)
	rec.ActionStatus = triage.ActionStatus(status)
	return &rec, nil
}
