// Package triage is the decision core: it routes each email onto a
// rollout treatment path, combines the blocklist verdict, the model score,
// and the confidence threshold into a final action, and bounds the blast
// radius of a bad decision through the idempotency ledger.
package triage
