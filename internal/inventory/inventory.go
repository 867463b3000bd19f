// Package inventory tracks per-tier remaining counts. The stored snapshot is
// only a hint for the checkout hot path; Recalculate rebuilds it from the
// pledge set and is the authority.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/kv"
	"github.com/aindaco1/pool-sub001/internal/pledge"
)

var (
	ErrSoldOut         = errors.New("tier is sold out")
	ErrUnknownTier     = errors.New("unknown tier")
	ErrUnknownCampaign = errors.New("unknown campaign")
)

func Key(slug string) string { return "inventory:" + slug }

// TierCount is the persisted per-tier state. Remaining is nil for unlimited
// tiers.
type TierCount struct {
	LimitTotal *int `json:"limit_total"`
	Remaining  *int `json:"remaining"`
	Reserved   int  `json:"reserved"`
}

type Snapshot struct {
	CampaignSlug string               `json:"campaign_slug"`
	Tiers        map[string]TierCount `json:"tiers"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// PledgeSource lists a campaign's pledges. The pledge repository implements
// it; aggregates never write pledges.
type PledgeSource interface {
	ListByCampaign(ctx context.Context, slug string) ([]pledge.Pledge, error)
}

type Tracker struct {
	store     kv.Store
	campaigns *campaign.Registry
	pledges   PledgeSource
	now       func() time.Time
}

func NewTracker(store kv.Store, campaigns *campaign.Registry, pledges PledgeSource) *Tracker {
	return &Tracker{store: store, campaigns: campaigns, pledges: pledges, now: time.Now}
}

// Get returns the last computed snapshot without recomputing. A campaign
// that was never recalculated reports full availability.
func (t *Tracker) Get(ctx context.Context, slug string) (Snapshot, error) {
	c, ok := t.campaigns.Campaign(slug)
	if !ok {
		return Snapshot{}, ErrUnknownCampaign
	}
	doc, err := t.store.Get(ctx, Key(slug))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return virginSnapshot(c), nil
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(doc.Value, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode inventory %s: %w", slug, err)
	}
	return snap, nil
}

// CheckAndReserve is the advisory admission check at checkout start. It reads
// the last snapshot only; with no cross-key transaction available a race can
// overcommit, and Recalculate is what restores truth afterwards.
func (t *Tracker) CheckAndReserve(ctx context.Context, slug, tierID string, qty int) error {
	c, ok := t.campaigns.Campaign(slug)
	if !ok {
		return ErrUnknownCampaign
	}
	if _, ok := c.Tier(tierID); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tierID)
	}
	snap, err := t.Get(ctx, slug)
	if err != nil {
		return err
	}
	count, ok := snap.Tiers[tierID]
	if !ok || count.Remaining == nil {
		return nil // unlimited
	}
	if qty > *count.Remaining {
		return fmt.Errorf("%w: %q has %d remaining", ErrSoldOut, tierID, *count.Remaining)
	}
	return nil
}

// Recalculate rebuilds remaining counts from every confirmed, non-cancelled
// pledge of the campaign, counting primary and additional-tier slots. It is
// idempotent and safe to run concurrently with pledge writes: repeated runs
// converge on the pledge set's truth.
func (t *Tracker) Recalculate(ctx context.Context, slug string) (Snapshot, error) {
	c, ok := t.campaigns.Campaign(slug)
	if !ok {
		return Snapshot{}, ErrUnknownCampaign
	}
	pledges, err := t.pledges.ListByCampaign(ctx, slug)
	if err != nil {
		return Snapshot{}, err
	}
	reserved := make(map[string]int)
	for _, p := range pledges {
		if !p.CountsForInventory() {
			continue
		}
		for id, qty := range p.TierQuantities() {
			reserved[id] += qty
		}
	}
	snap := virginSnapshot(c)
	snap.UpdatedAt = t.now().UTC()
	for id, count := range snap.Tiers {
		count.Reserved = reserved[id]
		if count.LimitTotal != nil {
			remaining := *count.LimitTotal - reserved[id]
			if remaining < 0 {
				// Race-induced overcommit: surface zero, never negative.
				remaining = 0
			}
			count.Remaining = &remaining
		}
		snap.Tiers[id] = count
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, err
	}
	if err := t.write(ctx, slug, raw); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// write replaces the snapshot whole-document, retrying through concurrent
// recalculations. Last writer wins; every writer computed from the same
// authority, so convergence is what matters.
func (t *Tracker) write(ctx context.Context, slug string, raw []byte) error {
	for i := 0; i < 5; i++ {
		doc, err := t.store.Get(ctx, Key(slug))
		version := int64(0)
		if err == nil {
			version = doc.Version
		} else if !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		err = t.store.Put(ctx, Key(slug), raw, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kv.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("inventory %s: %w", slug, kv.ErrConflict)
}

// ThresholdMet is the admission gate for threshold-locked tiers, evaluated
// against the campaign's pledged total. Display-level: it never mutates
// remaining.
func ThresholdMet(t campaign.Tier, pledgedAmount int64) bool {
	return t.RequiresThresholdCents == 0 || pledgedAmount >= t.RequiresThresholdCents
}

func virginSnapshot(c campaign.Campaign) Snapshot {
	snap := Snapshot{
		CampaignSlug: c.Slug,
		Tiers:        make(map[string]TierCount, len(c.Tiers)),
	}
	for _, tier := range c.Tiers {
		count := TierCount{}
		if tier.LimitTotal != nil {
			limit := *tier.LimitTotal
			remaining := limit
			count.LimitTotal = &limit
			count.Remaining = &remaining
		}
		snap.Tiers[tier.ID] = count
	}
	return snap
}
