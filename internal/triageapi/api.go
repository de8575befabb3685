// Package triageapi exposes the triage pipeline over HTTP for the host
// mail runtime.
package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/sieve/internal/email"
	"github.com/linnemanlabs/sieve/internal/triage"
)

// TriageService defines the business operations triageapi needs.
type TriageService interface {
	Triage(ctx context.Context, req *email.Request) (*triage.Outcome, error)
	Lookup(ctx context.Context, messageID string) (*triage.Record, bool, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/triage", a.handleTriage)
		r.Get("/decisions/{messageID}", a.handleGetDecision)
	})
}

func (a *API) handleTriage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	req, err := email.Parse(body)
	if err != nil {
		var se *email.SchemaError
		if errors.As(err, &se) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "schema validation failed",
				"field": se.Field,
			})
			return
		}
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sieve.message_id", req.MessageID))

	out, err := a.svc.Triage(r.Context(), req)
	if err != nil {
		a.logger.Error(r.Context(), err, "triage aborted", "message_id", req.MessageID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.String("sieve.action_status", string(out.ActionStatus)))

	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sieve.message_id", messageID))

	rec, ok, err := a.svc.Lookup(r.Context(), messageID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to look up decision", "message_id", messageID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
