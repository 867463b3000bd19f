// Package ledger drives the pledge lifecycle end to end: every committed
// pledge mutation triggers inventory and stats recalculation for the
// affected campaign and emits the matching notification event. It is the
// only caller of the repository's settlement mutators.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/inventory"
	"github.com/aindaco1/pool-sub001/internal/notify"
	"github.com/aindaco1/pool-sub001/internal/pledge"
	"github.com/aindaco1/pool-sub001/internal/stats"
)

// ErrTierLocked means a threshold-gated tier is not yet admissible because
// the campaign's pledged total has not reached its threshold.
var ErrTierLocked = errors.New("tier requires a funding threshold not yet reached")

type Ledger struct {
	pledges   *pledge.Repository
	inventory *inventory.Tracker
	stats     *stats.Aggregator
	campaigns *campaign.Registry
	emitter   notify.Emitter
	log       *zap.Logger
}

func New(pledges *pledge.Repository, inv *inventory.Tracker, agg *stats.Aggregator, campaigns *campaign.Registry, emitter notify.Emitter, log *zap.Logger) *Ledger {
	return &Ledger{
		pledges:   pledges,
		inventory: inv,
		stats:     agg,
		campaigns: campaigns,
		emitter:   emitter,
		log:       log,
	}
}

func (l *Ledger) Pledge(ctx context.Context, orderID string) (pledge.Pledge, error) {
	return l.pledges.Get(ctx, orderID)
}

// Start creates the provisional pledge at checkout start. Threshold-gated
// tiers are admission-checked against the last stats snapshot and inventory
// is checked best-effort; neither aggregate moves until the processor
// confirms the payment method.
func (l *Ledger) Start(ctx context.Context, orderID, slug, email string, sel pledge.Selection, amt pledge.Amounts) (pledge.Pledge, error) {
	c, ok := l.campaigns.Campaign(slug)
	if !ok {
		return pledge.Pledge{}, pledge.ErrUnknownCampaign
	}
	snap, err := l.stats.Get(ctx, slug)
	if err != nil {
		return pledge.Pledge{}, err
	}
	for id, qty := range (pledge.Pledge{TierID: sel.TierID, TierQty: sel.TierQty, AdditionalTiers: sel.AdditionalTiers}).TierQuantities() {
		tier, ok := c.Tier(id)
		if !ok {
			return pledge.Pledge{}, fmt.Errorf("%w: unknown tier %q", pledge.ErrBadSelection, id)
		}
		if !inventory.ThresholdMet(tier, snap.PledgedAmount) {
			return pledge.Pledge{}, fmt.Errorf("%w: %q", ErrTierLocked, id)
		}
		if err := l.inventory.CheckAndReserve(ctx, slug, id, qty); err != nil {
			return pledge.Pledge{}, err
		}
	}
	return l.pledges.Create(ctx, orderID, slug, email, sel, amt)
}

// Confirm applies the processor's setup-succeeded signal. The first
// confirmation pulls the pledge into the aggregates and announces it.
func (l *Ledger) Confirm(ctx context.Context, orderID string, refs pledge.ProcessorRefs) (pledge.Pledge, bool, error) {
	p, changed, err := l.pledges.Confirm(ctx, orderID, refs)
	if err != nil {
		return pledge.Pledge{}, false, err
	}
	if changed {
		l.refresh(ctx, p.CampaignSlug)
		l.emit(ctx, notify.PledgeCreated, p, nil)
	}
	return p, changed, nil
}

// Modify applies the backer's new tier selection and totals.
func (l *Ledger) Modify(ctx context.Context, orderID string, sel pledge.Selection, amt pledge.Amounts) (pledge.Pledge, error) {
	before, err := l.pledges.Get(ctx, orderID)
	if err != nil {
		return pledge.Pledge{}, err
	}
	p, err := l.pledges.ApplyModification(ctx, orderID, sel, amt)
	if err != nil {
		return pledge.Pledge{}, err
	}
	l.refresh(ctx, p.CampaignSlug)
	l.emit(ctx, notify.PledgeModified, p, map[string]any{
		"amount_delta": p.Amount - before.Amount,
	})
	return p, nil
}

// Cancel releases the pledge. Double cancellation is a success that changes
// nothing and notifies no one.
func (l *Ledger) Cancel(ctx context.Context, orderID string) (pledge.Pledge, error) {
	p, changed, err := l.pledges.Cancel(ctx, orderID)
	if err != nil {
		return pledge.Pledge{}, err
	}
	if changed {
		l.refresh(ctx, p.CampaignSlug)
		l.emit(ctx, notify.PledgeCancelled, p, nil)
	}
	return p, nil
}

// MarkCharged records settlement success for one pledge.
func (l *Ledger) MarkCharged(ctx context.Context, orderID string) (pledge.Pledge, error) {
	p, err := l.pledges.MarkCharged(ctx, orderID)
	if err != nil {
		return pledge.Pledge{}, err
	}
	l.refresh(ctx, p.CampaignSlug)
	l.emit(ctx, notify.PledgeCharged, p, nil)
	return p, nil
}

// MarkFailed records a failed settlement charge.
func (l *Ledger) MarkFailed(ctx context.Context, orderID string) (pledge.Pledge, error) {
	p, err := l.pledges.MarkFailed(ctx, orderID)
	if err != nil {
		return pledge.Pledge{}, err
	}
	l.refresh(ctx, p.CampaignSlug)
	l.emit(ctx, notify.PledgeFailed, p, nil)
	return p, nil
}

// Retry returns a payment_failed pledge to active for another settlement
// attempt.
func (l *Ledger) Retry(ctx context.Context, orderID string, refs pledge.ProcessorRefs) (pledge.Pledge, error) {
	p, err := l.pledges.Retry(ctx, orderID, refs)
	if err != nil {
		return pledge.Pledge{}, err
	}
	l.refresh(ctx, p.CampaignSlug)
	return p, nil
}

// RecoverCheckout is the manual reconciliation path for a lost
// setup-succeeded webhook: identical to Confirm plus an audit event.
func (l *Ledger) RecoverCheckout(ctx context.Context, orderID string, refs pledge.ProcessorRefs) (pledge.Pledge, bool, error) {
	p, changed, err := l.Confirm(ctx, orderID, refs)
	if err != nil {
		return pledge.Pledge{}, false, err
	}
	if changed {
		l.emit(ctx, notify.CheckoutRecovered, p, nil)
	}
	return p, changed, nil
}

// EligibleVoter reports whether email holds a non-cancelled pledge with
// status active or charged on the campaign.
func (l *Ledger) EligibleVoter(ctx context.Context, campaignSlug, email string) (bool, error) {
	pledges, err := l.pledges.ListByCampaign(ctx, campaignSlug)
	if err != nil {
		return false, err
	}
	for _, p := range pledges {
		if p.Email == email && p.CountsForStats() {
			return true, nil
		}
	}
	return false, nil
}

// refresh recomputes both aggregates for the campaign. The pledge mutation
// already committed; an aggregate failure is logged and left for the next
// recalculation rather than rolled back.
func (l *Ledger) refresh(ctx context.Context, slug string) {
	if _, err := l.inventory.Recalculate(ctx, slug); err != nil {
		l.log.Error("inventory recalculation failed", zap.String("campaign", slug), zap.Error(err))
	}
	if _, err := l.stats.Recalculate(ctx, slug); err != nil {
		l.log.Error("stats recalculation failed", zap.String("campaign", slug), zap.Error(err))
	}
}

func (l *Ledger) emit(ctx context.Context, typ string, p pledge.Pledge, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["amount"] = p.Amount
	data["status"] = string(p.Status)
	l.emitter.Emit(ctx, notify.Event{
		Type:         typ,
		CampaignSlug: p.CampaignSlug,
		OrderID:      p.OrderID,
		Email:        p.Email,
		Data:         data,
	})
}
