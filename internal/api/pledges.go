package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/pledge"
	"github.com/aindaco1/pool-sub001/internal/processor"
	"github.com/aindaco1/pool-sub001/pkg/httpx"
	"github.com/aindaco1/pool-sub001/pkg/token"
)

type tierLineRequest struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

type startRequest struct {
	OrderID         string            `json:"order_id"`
	CampaignSlug    string            `json:"campaign_slug"`
	TierID          string            `json:"tier_id,omitempty"`
	TierQty         int               `json:"tier_qty,omitempty"`
	AdditionalTiers []tierLineRequest `json:"additional_tiers,omitempty"`
	SubtotalCents   int64             `json:"subtotal_cents,omitempty"`
	TaxCents        int64             `json:"tax_cents,omitempty"`
	AmountCents     int64             `json:"amount_cents"`
	Email           string            `json:"email"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.CampaignSlug) == "" {
		httpx.WriteError(w, 400, "VALIDATION", "order_id, campaign_slug and email are required", nil)
		return
	}
	amt := pledge.Amounts{Subtotal: req.SubtotalCents, Tax: req.TaxCents, Amount: req.AmountCents}
	if amt.Subtotal == 0 && amt.Tax == 0 {
		// Checkout start may send only the total.
		amt.Subtotal = amt.Amount
	}
	sel := pledge.Selection{TierID: req.TierID, TierQty: req.TierQty, AdditionalTiers: toLines(req.AdditionalTiers)}
	if sel.TierID != "" && sel.TierQty == 0 {
		sel.TierQty = 1
	}

	p, err := s.ledger.Start(r.Context(), req.OrderID, req.CampaignSlug, req.Email, sel, amt)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	redirect, err := s.checkout.CreateCheckout(r.Context(), processor.CheckoutRequest{
		OrderID:      p.OrderID,
		CampaignSlug: p.CampaignSlug,
		Email:        p.Email,
		AmountCents:  p.Amount,
	})
	if err != nil {
		// The provisional pledge committed; the backer can resume via the
		// recovery path once the processor comes back.
		s.log.Error("checkout session failed", zap.String("order_id", p.OrderID), zap.Error(err))
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 201, map[string]any{
		"order_id":     p.OrderID,
		"redirect_url": redirect,
	})
}

// authPledge resolves the caller's token to their pledge, rejecting tokens
// whose claims disagree with the stored record.
func (s *Server) authPledge(r *http.Request) (pledge.Pledge, error) {
	claims, err := s.tokens.Verify(bearerOrQueryToken(r))
	if err != nil {
		return pledge.Pledge{}, err
	}
	p, err := s.ledger.Pledge(r.Context(), claims.OrderID)
	if err != nil {
		return pledge.Pledge{}, err
	}
	if !strings.EqualFold(p.Email, claims.Email) || p.CampaignSlug != claims.CampaignSlug {
		return pledge.Pledge{}, token.ErrInvalidToken
	}
	return p, nil
}

func (s *Server) handleGetPledge(w http.ResponseWriter, r *http.Request) {
	p, err := s.authPledge(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 200, map[string]any{
		"pledge":  p,
		"history": p.EffectiveHistory(),
	})
}

type pledgeActionRequest struct {
	Token           string            `json:"token,omitempty"`
	Action          string            `json:"action"`
	TierID          string            `json:"tier_id,omitempty"`
	TierQty         int               `json:"tier_qty,omitempty"`
	AdditionalTiers []tierLineRequest `json:"additional_tiers,omitempty"`
	SubtotalCents   int64             `json:"subtotal_cents,omitempty"`
	TaxCents        int64             `json:"tax_cents,omitempty"`
	AmountCents     int64             `json:"amount_cents,omitempty"`
}

func (s *Server) handlePostPledge(w http.ResponseWriter, r *http.Request) {
	var req pledgeActionRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.Token != "" {
		r.Header.Set("Authorization", "Bearer "+req.Token)
	}
	p, err := s.authPledge(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	switch req.Action {
	case "modify":
		sel := pledge.Selection{TierID: req.TierID, TierQty: req.TierQty, AdditionalTiers: toLines(req.AdditionalTiers)}
		if sel.TierID != "" && sel.TierQty == 0 {
			sel.TierQty = 1
		}
		amt := pledge.Amounts{Subtotal: req.SubtotalCents, Tax: req.TaxCents, Amount: req.AmountCents}
		updated, err := s.ledger.Modify(r.Context(), p.OrderID, sel, amt)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		httpx.WriteOK(w, 200, map[string]any{"pledge": updated})
	case "cancel":
		updated, err := s.ledger.Cancel(r.Context(), p.OrderID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		httpx.WriteOK(w, 200, map[string]any{"pledge": updated})
	default:
		httpx.WriteError(w, 400, "VALIDATION", "action must be modify or cancel", nil)
	}
}

func toLines(in []tierLineRequest) []pledge.TierLine {
	if len(in) == 0 {
		return nil
	}
	out := make([]pledge.TierLine, 0, len(in))
	for _, l := range in {
		out = append(out, pledge.TierLine{ID: l.ID, Qty: l.Qty})
	}
	return out
}
