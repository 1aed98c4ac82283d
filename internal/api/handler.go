package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fraudtriage/engine/internal/domain"
	"github.com/fraudtriage/engine/internal/worker"
)

// pinger is satisfied by stores that can report connectivity; used to
// fold the Case Store's health into GET /health without widening
// domain.CaseStore for every implementation.
type pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies of the HTTP surface of §6: the Case
// Store (Case Store operations, AI Update Ingress, Resolution
// Ingress), the Transaction Store (read-only introspection), the Push
// Bus (so mutations fan out to dashboards the same way the Triage
// Pipeline does), and the stats broadcaster (for a fresh TPS reading
// on GET /dashboard/stats).
type Handler struct {
	cases        domain.CaseStore
	transactions domain.TransactionStore
	bus          domain.EventBus
	broadcaster  *worker.Broadcaster
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(cases domain.CaseStore, transactions domain.TransactionStore, bus domain.EventBus, broadcaster *worker.Broadcaster, version string) *Handler {
	return &Handler{cases: cases, transactions: transactions, bus: bus, broadcaster: broadcaster, version: version}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if p, ok := h.cases.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "version": h.version})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// Stats handles GET /dashboard/stats: a fresh status->count breakdown
// plus the most recently broadcast TPS reading, per §4.7/§4.8.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cases.Stats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var tps int64
	if h.broadcaster != nil {
		tps = h.broadcaster.Latest().TPS
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": stats, "tps": tps})
}

// Queue handles GET /dashboard/queue: cases awaiting a human decision,
// newest first.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	cases, err := h.cases.ListByStatusDescCreated(r.Context(), []domain.CaseStatus{
		domain.StatusUnderInvestigation, domain.StatusEscalated,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

// GetCase handles GET /dashboard/cases/{case_id} and GET
// /fraud-cases/{case_id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "case_id")
	c, err := h.cases.GetByCaseID(r.Context(), caseID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetTransaction handles GET /transactions/{id}: the introspection
// point onto the raw StoredTransaction record backing a case.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "id")
	tx, err := h.transactions.Get(r.Context(), transactionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ResolveRequest is the body of POST /dashboard/cases/{case_id}/resolve.
type ResolveRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

// Resolve implements the Resolution Ingress of §4.6: sets status to
// RESOLVED, stamps resolved_at, and records the human's decision.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "case_id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	ctx := r.Context()
	var updated *domain.Case
	err := h.cases.WithTx(ctx, func(tx domain.CaseStore) error {
		c, err := tx.GetByCaseID(ctx, caseID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		c.Status = domain.StatusResolved
		c.ResolvedAt = &now
		c.HumanDecision = &req.Decision
		c.ResolutionNotes = &req.Notes

		u, err := tx.Update(ctx, c)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.publishCase(ctx, updated)
	writeJSON(w, http.StatusOK, updated)
}

// AIUpdateRequest is the body of POST /fraud-cases/ai-update, per §4.5.
// Pointer and nil-slice/map fields distinguish "absent" (leave
// untouched) from an explicit value, including the zero value.
type AIUpdateRequest struct {
	CaseID               string         `json:"case_id"`
	Decision             *string        `json:"decision,omitempty"`
	ConfidenceScore      *float64       `json:"confidence_score,omitempty"`
	AIReasoning          *string        `json:"ai_reasoning,omitempty"`
	AIRecommendations    *string        `json:"ai_recommendations,omitempty"`
	InvestigationLayers  []string       `json:"investigation_layers,omitempty"`
	DetectionSignals     map[string]any `json:"detection_signals,omitempty"`
	AISignals            map[string]any `json:"ai_signals,omitempty"`
}

// AIUpdate implements the AI Update Ingress of §4.5.
func (h *Handler) AIUpdate(w http.ResponseWriter, r *http.Request) {
	var req AIUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.CaseID == "" {
		writeError(w, http.StatusBadRequest, "case_id is required")
		return
	}

	ctx := r.Context()
	var updated *domain.Case
	err := h.cases.WithTx(ctx, func(tx domain.CaseStore) error {
		c, err := tx.GetByCaseID(ctx, req.CaseID)
		if err != nil {
			return err
		}
		applyAIUpdate(c, &req)

		u, err := tx.Update(ctx, c)
		if err != nil {
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	h.publishCase(ctx, updated)
	writeJSON(w, http.StatusOK, updated)
}

// applyAIUpdate folds an AI verdict onto an existing case under the
// merge rules of §4.5: missing fields leave the existing value
// untouched, investigation_layers is unioned in order, and decision
// coerces to UNDER_INVESTIGATION unless it is exactly AUTO_APPROVED or
// AUTO_BLOCKED.
func applyAIUpdate(c *domain.Case, req *AIUpdateRequest) {
	if req.Decision != nil {
		switch domain.CaseStatus(*req.Decision) {
		case domain.StatusAutoApproved, domain.StatusAutoBlocked:
			c.Status = domain.CaseStatus(*req.Decision)
		default:
			c.Status = domain.StatusUnderInvestigation
		}
	}
	if req.ConfidenceScore != nil {
		c.ConfidenceScore = domain.ClampUnit(*req.ConfidenceScore)
	}
	if req.AIReasoning != nil {
		c.AIReasoning = req.AIReasoning
	}
	if req.AIRecommendations != nil {
		c.AIRecommendations = req.AIRecommendations
	}
	c.AddInvestigationLayers(req.InvestigationLayers)

	if req.DetectionSignals != nil {
		if c.DetectionSignals == nil {
			c.DetectionSignals = map[string]any{}
		}
		for k, v := range req.DetectionSignals {
			c.DetectionSignals[k] = v
		}
	}
	if req.AISignals != nil {
		if c.AISignals == nil {
			c.AISignals = map[string]any{}
		}
		for k, v := range req.AISignals {
			c.AISignals[k] = v
		}
	}
}

func (h *Handler) publishCase(ctx context.Context, c *domain.Case) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, domain.TopicCaseEvents, c); err != nil {
		slog.Error("push bus publish failed", "case_id", c.CaseID, "topic", domain.TopicCaseEvents, "error", err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, "case not found")
	case errors.Is(err, domain.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, domain.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal status transition")
	case errors.Is(err, domain.ErrBadPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("case store operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
