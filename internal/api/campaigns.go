package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aindaco1/pool-sub001/internal/pledge"
	"github.com/aindaco1/pool-sub001/pkg/httpx"
)

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Get(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 200, map[string]any{"stats": snap})
}

func (s *Server) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	snap, err := s.inventory.Get(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 200, map[string]any{"inventory": snap})
}

func (s *Server) handleRecalculateStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Recalculate(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 200, map[string]any{"stats": snap})
}

func (s *Server) handleRecalculateInventory(w http.ResponseWriter, r *http.Request) {
	snap, err := s.inventory.Recalculate(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 200, map[string]any{"inventory": snap})
}

type recoverCheckoutRequest struct {
	OrderID         string `json:"order_id"`
	CustomerID      string `json:"customer_id,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	SetupIntentID   string `json:"setup_intent_id,omitempty"`
}

// handleRecoverCheckout is the backfill path for sessions the processor
// completed but whose webhook never arrived.
func (s *Server) handleRecoverCheckout(w http.ResponseWriter, r *http.Request) {
	var req recoverCheckoutRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(w, 400, "VALIDATION", "order_id is required", nil)
		return
	}
	p, recovered, err := s.ledger.RecoverCheckout(r.Context(), req.OrderID, pledge.ProcessorRefs{
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		SetupIntentID:   req.SetupIntentID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 200, map[string]any{
		"pledge":    p,
		"recovered": recovered,
	})
}
