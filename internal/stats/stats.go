// Package stats derives the campaign funding totals and detects milestone
// crossings exactly once. The stored snapshot is recomputable from the
// pledge set at any time; only the milestonesReached set is one-way state.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/kv"
	"github.com/aindaco1/pool-sub001/internal/notify"
	"github.com/aindaco1/pool-sub001/internal/pledge"
)

var ErrUnknownCampaign = errors.New("unknown campaign")

func Key(slug string) string { return "stats:" + slug }

type Snapshot struct {
	CampaignSlug  string `json:"campaign_slug"`
	PledgedAmount int64  `json:"pledged_amount"`
	PledgeCount   int    `json:"pledge_count"`
	// MilestonesReached is monotonic: once a threshold name is in here it
	// never leaves, even if cancellations later drop the total below it.
	MilestonesReached []string  `json:"milestones_reached"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (s Snapshot) reached(name string) bool {
	for _, m := range s.MilestonesReached {
		if m == name {
			return true
		}
	}
	return false
}

type PledgeSource interface {
	ListByCampaign(ctx context.Context, slug string) ([]pledge.Pledge, error)
}

type Aggregator struct {
	store     kv.Store
	campaigns *campaign.Registry
	pledges   PledgeSource
	emitter   notify.Emitter
	now       func() time.Time
}

func NewAggregator(store kv.Store, campaigns *campaign.Registry, pledges PledgeSource, emitter notify.Emitter) *Aggregator {
	return &Aggregator{store: store, campaigns: campaigns, pledges: pledges, emitter: emitter, now: time.Now}
}

// Get returns the last computed snapshot without recomputing.
func (a *Aggregator) Get(ctx context.Context, slug string) (Snapshot, error) {
	if _, ok := a.campaigns.Campaign(slug); !ok {
		return Snapshot{}, ErrUnknownCampaign
	}
	doc, err := a.store.Get(ctx, Key(slug))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Snapshot{CampaignSlug: slug, MilestonesReached: []string{}}, nil
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(doc.Value, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode stats %s: %w", slug, err)
	}
	return snap, nil
}

// Recalculate rebuilds the totals from every confirmed pledge with status
// active or charged, then evaluates the campaign's thresholds ascending. A
// threshold newly covered by the total joins milestonesReached and emits
// exactly one milestone.crossed event; membership in the set is the only
// guard, so replayed recalculations never re-emit.
func (a *Aggregator) Recalculate(ctx context.Context, slug string) (Snapshot, error) {
	c, ok := a.campaigns.Campaign(slug)
	if !ok {
		return Snapshot{}, ErrUnknownCampaign
	}
	pledges, err := a.pledges.ListByCampaign(ctx, slug)
	if err != nil {
		return Snapshot{}, err
	}
	var total int64
	var count int
	for _, p := range pledges {
		if !p.CountsForStats() {
			continue
		}
		total += p.Amount
		count++
	}

	// CAS loop: the milestone set must merge against the latest stored
	// snapshot so concurrent recalculations cannot emit a crossing twice.
	for i := 0; i < 5; i++ {
		prev := Snapshot{CampaignSlug: slug, MilestonesReached: []string{}}
		version := int64(0)
		doc, err := a.store.Get(ctx, Key(slug))
		if err == nil {
			version = doc.Version
			if err := json.Unmarshal(doc.Value, &prev); err != nil {
				return Snapshot{}, fmt.Errorf("decode stats %s: %w", slug, err)
			}
		} else if !errors.Is(err, kv.ErrNotFound) {
			return Snapshot{}, err
		}

		next := Snapshot{
			CampaignSlug:      slug,
			PledgedAmount:     total,
			PledgeCount:       count,
			MilestonesReached: append([]string{}, prev.MilestonesReached...),
			UpdatedAt:         a.now().UTC(),
		}
		var crossed []campaign.Milestone
		for _, m := range c.Milestones() {
			if next.reached(m.Name) {
				continue
			}
			if total >= m.Threshold {
				next.MilestonesReached = append(next.MilestonesReached, m.Name)
				crossed = append(crossed, m)
			}
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return Snapshot{}, err
		}
		err = a.store.Put(ctx, Key(slug), raw, version)
		if errors.Is(err, kv.ErrConflict) {
			continue
		}
		if err != nil {
			return Snapshot{}, err
		}
		// The write committed this recalculation as the one that observed
		// each crossing; emit one event per newly reached threshold.
		for _, m := range crossed {
			a.emitter.Emit(ctx, notify.Event{
				Type:         notify.MilestoneCrossed,
				CampaignSlug: slug,
				Data: map[string]any{
					"milestone":      m.Name,
					"threshold":      m.Threshold,
					"pledged_amount": total,
				},
			})
		}
		return next, nil
	}
	return Snapshot{}, fmt.Errorf("stats %s: %w", slug, kv.ErrConflict)
}
