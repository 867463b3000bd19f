package api

import (
	"errors"
	"net/http"

	"github.com/aindaco1/pool-sub001/internal/inventory"
	"github.com/aindaco1/pool-sub001/internal/kv"
	"github.com/aindaco1/pool-sub001/internal/ledger"
	"github.com/aindaco1/pool-sub001/internal/pledge"
	"github.com/aindaco1/pool-sub001/internal/processor"
	"github.com/aindaco1/pool-sub001/internal/settlement"
	"github.com/aindaco1/pool-sub001/internal/stats"
	"github.com/aindaco1/pool-sub001/internal/votes"
	"github.com/aindaco1/pool-sub001/pkg/httpx"
	"github.com/aindaco1/pool-sub001/pkg/token"
)

// writeDomainError maps engine sentinels onto the HTTP taxonomy:
// validation 400, auth 401/403, conflict 409, not found 404, upstream 502,
// everything else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidToken):
		httpx.WriteError(w, 401, "BAD_TOKEN", "token is invalid", nil)
	case errors.Is(err, token.ErrExpiredToken):
		httpx.WriteError(w, 401, "EXPIRED_TOKEN", "token has expired", nil)
	case errors.Is(err, pledge.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", "pledge not found", nil)
	case errors.Is(err, pledge.ErrUnknownCampaign),
		errors.Is(err, stats.ErrUnknownCampaign),
		errors.Is(err, inventory.ErrUnknownCampaign):
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown campaign", nil)
	case errors.Is(err, votes.ErrUnknownDecision):
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown decision", nil)
	case errors.Is(err, pledge.ErrDuplicateOrder):
		httpx.WriteError(w, 409, "DUPLICATE_ORDER", "order id already exists", nil)
	case errors.Is(err, pledge.ErrInvalidState):
		httpx.WriteError(w, 409, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, pledge.ErrCampaignClosed):
		httpx.WriteError(w, 409, "CAMPAIGN_CLOSED", "campaign is past its deadline", nil)
	case errors.Is(err, inventory.ErrSoldOut):
		httpx.WriteError(w, 409, "SOLD_OUT", err.Error(), nil)
	case errors.Is(err, votes.ErrDecisionClosed):
		httpx.WriteError(w, 409, "DECISION_CLOSED", "voting on this decision has closed", nil)
	case errors.Is(err, ledger.ErrTierLocked):
		httpx.WriteError(w, 409, "TIER_LOCKED", err.Error(), nil)
	case errors.Is(err, kv.ErrConflict):
		httpx.WriteError(w, 409, "CONFLICT", "concurrent update, retry with fresh state", nil)
	case errors.Is(err, pledge.ErrBadAmounts),
		errors.Is(err, pledge.ErrBadSelection),
		errors.Is(err, inventory.ErrUnknownTier),
		errors.Is(err, votes.ErrInvalidOption),
		errors.Is(err, settlement.ErrUnknownEventType),
		errors.Is(err, settlement.ErrMissingEventID),
		errors.Is(err, settlement.ErrMissingOrderID):
		httpx.WriteError(w, 400, "VALIDATION", err.Error(), nil)
	case errors.Is(err, votes.ErrIneligibleVoter):
		httpx.WriteError(w, 403, "INELIGIBLE", "an active pledge on this campaign is required to vote", nil)
	case errors.Is(err, processor.ErrUnavailable):
		httpx.WriteError(w, 502, "UPSTREAM", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "STORAGE_ERROR", err.Error(), nil)
	}
}
