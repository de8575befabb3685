package triage

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sieve/internal/archive"
	"github.com/linnemanlabs/sieve/internal/blocklist"
	"github.com/linnemanlabs/sieve/internal/email"
	"github.com/linnemanlabs/sieve/internal/inference"
	"github.com/linnemanlabs/sieve/internal/rollout"
	"github.com/linnemanlabs/sieve/internal/telemetry"
)

// Scorer is the remote inference client boundary.
type Scorer interface {
	Classify(ctx context.Context, req *email.Request) (*inference.Result, error)
}

// Service is the business boundary for triage operations. It owns the
// request lifecycle: route, score, decide, reserve, dispatch, record.
type Service struct {
	ledger    Ledger
	scorer    Scorer
	archiver  archive.Archiver
	oracle    blocklist.Oracle
	sink      telemetry.Sink
	snapshots *rollout.Holder
	logger    log.Logger
	metrics   *Metrics
}

// NewService creates a triage service.
func NewService(ledger Ledger, scorer Scorer, archiver archive.Archiver, oracle blocklist.Oracle,
	sink telemetry.Sink, snapshots *rollout.Holder, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		ledger:    ledger,
		scorer:    scorer,
		archiver:  archiver,
		oracle:    oracle,
		sink:      sink,
		snapshots: snapshots,
		logger:    logger,
		metrics:   metrics,
	}
}

// Lookup returns the ledger record for a message identity.
func (s *Service) Lookup(ctx context.Context, messageID string) (*Record, bool, error) {
	return s.ledger.Get(ctx, messageID)
}

// Triage runs the full decision pipeline for one email. Every failure mode
// degrades to a defined action status; the only returned errors are
// context cancellation, which aborts without committing a ledger record so
// a later retry is treated as fresh.
func (s *Service) Triage(ctx context.Context, req *email.Request) (*Outcome, error) {
	start := time.Now()
	snap := s.snapshots.Load()
	id := req.Identity()
	path := rollout.Route(id, snap)

	L := s.logger.With("request_id", req.RequestID, "message_id", id, "path", string(path))
	s.metrics.RolloutPathTotal.WithLabelValues(string(path)).Inc()

	// legacy rule engine owns the message; the core emits no decision
	if path == rollout.PathLegacy {
		return &Outcome{Deferred: true, RolloutPath: string(path), ThresholdUsed: snap.ConfidenceThreshold}, nil
	}

	// fast-path duplicate check before paying for inference
	if existing, ok, err := s.ledger.Get(ctx, id); err != nil {
		L.Error(ctx, err, "ledger lookup failed, failing request closed")
		return s.failClosed(ctx, req, snap, path, start), nil
	} else if ok {
		return s.duplicate(ctx, req, snap, path, existing), nil
	}

	in := PolicyInput{
		Path:           path,
		Threshold:      snap.ConfidenceThreshold,
		ArchiveEnabled: snap.ArchiveEnabled,
		ModelVersion:   snap.ModelVersion,
	}

	if snap.BlocklistEnabled {
		blocked, err := s.oracle.IsBlocked(ctx, req.Sender)
		if err != nil {
			// fail safe: an unreachable oracle must not unlock archives
			L.Error(ctx, err, "blocklist oracle failed, treating sender as blocked")
			blocked = true
		}
		in.Blocked = blocked
	}

	var latency time.Duration
	if !in.Blocked {
		infStart := time.Now()
		res, err := s.scorer.Classify(ctx, req)
		latency = time.Since(infStart)
		s.metrics.InferenceLatency.Observe(latency.Seconds())

		switch {
		case err == nil:
			s.metrics.InferenceTotal.WithLabelValues("ok").Inc()
			in.Decision = res.Decision
			in.Confidence = res.Confidence
			in.Source = SourceModel
			in.Rule = res.Rule
			in.Reasoning = res.Reasoning
			in.ModelVersion = res.ModelVersion

		case ctx.Err() != nil:
			// host cancelled: abandon without committing a ledger record
			return nil, ctx.Err()

		case snap.FailOpen:
			// the inbox is never archived-by-default on infra failure
			s.metrics.InferenceTotal.WithLabelValues("fail_open").Inc()
			L.Warn(ctx, "inference failed, failing open to keep", "error", err.Error())
			in.Decision = DecisionKeep
			in.Confidence = 0
			in.Source = SourceFailOpen
			in.Reasoning = "fail-open due to inference error: " + err.Error()

		default:
			s.metrics.InferenceTotal.WithLabelValues(outcomeLabel(err)).Inc()
			L.Error(ctx, err, "inference failed with fail-open disabled")
			return s.failClosed(ctx, req, snap, path, start), nil
		}
	}

	pr := Decide(in)

	rec := &Record{
		MessageID:    id,
		Decision:     pr.Decision,
		Confidence:   pr.Confidence,
		Source:       pr.Source,
		Rule:         pr.Rule,
		ModelVersion: in.ModelVersion,
		ActionStatus: pr.Status,
		RecordedAt:   time.Now().UTC(),
	}

	// the reservation is the only serialization point: a unique insert
	// decides the winner, and it happens after the slow network call so no
	// other message waits behind it
	existing, fresh, err := s.ledger.Reserve(ctx, rec)
	if err != nil {
		s.metrics.LedgerErrorsTotal.Inc()
		L.Error(ctx, err, "ledger reserve failed, failing request closed")
		return s.failClosed(ctx, req, snap, path, start), nil
	}
	if !fresh {
		return s.duplicate(ctx, req, snap, path, existing), nil
	}

	status := pr.Status
	if pr.Dispatch {
		if err := s.archiver.Archive(ctx, id); err != nil {
			// not retried: the action may already have been applied
			s.metrics.DispatchTotal.WithLabelValues("error").Inc()
			L.Error(ctx, err, "archive dispatch failed")
			status = StatusActionFailed
			if uerr := s.ledger.UpdateStatus(ctx, id, status); uerr != nil {
				L.Error(ctx, uerr, "failed to downgrade ledger record after dispatch failure")
			}
		} else {
			s.metrics.DispatchTotal.WithLabelValues("ok").Inc()
		}
	}

	out := &Outcome{
		ActionStatus:  status,
		Decision:      pr.Decision,
		Confidence:    pr.Confidence,
		Source:        pr.Source,
		Rule:          pr.Rule,
		Reasoning:     pr.Reasoning,
		ModelVersion:  in.ModelVersion,
		ThresholdUsed: snap.ConfidenceThreshold,
		LatencyMS:     latency.Milliseconds(),
		RolloutPath:   string(path),
	}
	s.record(ctx, req, out)
	s.observe(out, start)

	L.Info(ctx, "triage complete",
		"action_status", string(out.ActionStatus),
		"decision", out.Decision,
		"confidence", out.Confidence,
		"source", string(out.Source),
		"latency_ms", out.LatencyMS,
	)
	return out, nil
}

// duplicate short-circuits a request whose message identity already has a
// ledger record, echoing the original decision for traceability.
func (s *Service) duplicate(ctx context.Context, req *email.Request, snap *rollout.Snapshot, path rollout.Path, existing *Record) *Outcome {
	s.metrics.DuplicatesTotal.Inc()
	out := &Outcome{
		ActionStatus:  StatusDuplicateSkipped,
		Decision:      existing.Decision,
		Confidence:    existing.Confidence,
		Source:        existing.Source,
		Rule:          existing.Rule,
		Reasoning:     "duplicate message skipped by idempotency guard",
		ModelVersion:  existing.ModelVersion,
		ThresholdUsed: snap.ConfidenceThreshold,
		RolloutPath:   string(path),
	}
	s.record(ctx, req, out)
	s.metrics.DecisionsTotal.WithLabelValues(string(out.ActionStatus), string(out.Source)).Inc()
	return out
}

// failClosed produces the action_failed outcome used for ledger outages
// and hard inference failures. Nothing is reserved, so a later retry of
// the same message is treated as fresh.
func (s *Service) failClosed(ctx context.Context, req *email.Request, snap *rollout.Snapshot, path rollout.Path, start time.Time) *Outcome {
	out := &Outcome{
		ActionStatus:  StatusActionFailed,
		Reasoning:     "triage failed closed; no action attempted",
		ModelVersion:  snap.ModelVersion,
		ThresholdUsed: snap.ConfidenceThreshold,
		RolloutPath:   string(path),
	}
	s.record(ctx, req, out)
	s.observe(out, start)
	return out
}

func (s *Service) record(ctx context.Context, req *email.Request, out *Outcome) {
	ev := telemetry.Build(req, telemetry.Decision{
		Decision:      out.Decision,
		Confidence:    out.Confidence,
		Source:        string(out.Source),
		Rule:          out.Rule,
		ModelVersion:  out.ModelVersion,
		ThresholdUsed: out.ThresholdUsed,
		LatencyMS:     out.LatencyMS,
		ActionStatus:  string(out.ActionStatus),
		RolloutPath:   out.RolloutPath,
	}, time.Now())
	if err := s.sink.Log(ctx, ev); err != nil {
		s.logger.Error(ctx, err, "failed to append decision telemetry", "message_id", req.MessageID)
	}
}

func (s *Service) observe(out *Outcome, start time.Time) {
	s.metrics.DecisionsTotal.WithLabelValues(string(out.ActionStatus), string(out.Source)).Inc()
	s.metrics.TriageDuration.WithLabelValues(string(out.ActionStatus)).Observe(time.Since(start).Seconds())
}

func outcomeLabel(err error) string {
	var fe *inference.FatalError
	if errors.As(err, &fe) {
		return "fatal"
	}
	return "transient_exhausted"
}
