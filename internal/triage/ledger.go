package triage

import "context"

// Ledger is the durable idempotency store: message identity -> recorded
// outcome. Reserve is the sole serialization point for concurrent triage
// of the same message; implementations must make it linearizable (a
// unique-constraint insert or equivalent compare-and-set) so at most one
// caller ever proceeds to action dispatch for a given key.
type Ledger interface {
	// Get returns the record for a message identity, if one exists.
	Get(ctx context.Context, messageID string) (*Record, bool, error)

	// Reserve atomically writes rec if no record exists for its message
	// identity. It returns (nil, true, nil) when this caller won the
	// reservation, or (existing, false, nil) when another record was
	// already present.
	Reserve(ctx context.Context, rec *Record) (existing *Record, fresh bool, err error)

	// UpdateStatus downgrades the recorded action status after dispatch,
	// e.g. archived -> action_failed when the archive capability failed.
	UpdateStatus(ctx context.Context, messageID string, status ActionStatus) error
}
