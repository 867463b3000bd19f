// Package votes records each eligible backer's single live choice per
// decision. Tallies are always recomputed from the full record set, so an
// overwritten vote can never be double-counted.
package votes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/kv"
)

var (
	ErrUnknownDecision = errors.New("unknown decision")
	ErrDecisionClosed  = errors.New("decision is closed")
	ErrIneligibleVoter = errors.New("voter has no active pledge on this campaign")
	ErrInvalidOption   = errors.New("option is not defined for this decision")
)

func Key(decisionID string) string { return "votes:" + decisionID }

// record is the persisted document: every voter's current choice for one
// decision. Overwrites and tally recomputation ride the same CAS write.
type record struct {
	DecisionID string            `json:"decision_id"`
	Choices    map[string]string `json:"choices"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Eligibility answers whether an email holds a qualifying pledge on a
// campaign. The pledge ledger implements it.
type Eligibility interface {
	EligibleVoter(ctx context.Context, campaignSlug, email string) (bool, error)
}

type Result struct {
	DecisionID string                  `json:"decision_id"`
	Status     campaign.DecisionStatus `json:"status"`
	Prompt     string                  `json:"prompt,omitempty"`
	Options    []string                `json:"options"`
	Tally      map[string]int          `json:"tally"`
	TotalVotes int                     `json:"total_votes"`
	OwnChoice  string                  `json:"own_choice,omitempty"`
}

type Ledger struct {
	store       kv.Store
	campaigns   *campaign.Registry
	eligibility Eligibility
	now         func() time.Time
}

func NewLedger(store kv.Store, campaigns *campaign.Registry, eligibility Eligibility) *Ledger {
	return &Ledger{store: store, campaigns: campaigns, eligibility: eligibility, now: time.Now}
}

// Cast writes or overwrites the voter's choice and returns the recomputed
// tally plus their recorded choice.
func (l *Ledger) Cast(ctx context.Context, decisionID, email, option string) (Result, error) {
	d, ok := l.campaigns.Decision(decisionID)
	if !ok {
		return Result{}, ErrUnknownDecision
	}
	if d.Status != campaign.DecisionOpen {
		return Result{}, ErrDecisionClosed
	}
	if !d.HasOption(option) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidOption, option)
	}
	eligible, err := l.eligibility.EligibleVoter(ctx, d.CampaignSlug, email)
	if err != nil {
		return Result{}, err
	}
	if !eligible {
		return Result{}, ErrIneligibleVoter
	}

	for i := 0; i < 5; i++ {
		rec, version, err := l.load(ctx, decisionID)
		if err != nil {
			return Result{}, err
		}
		rec.Choices[email] = option
		rec.UpdatedAt = l.now().UTC()
		raw, err := json.Marshal(rec)
		if err != nil {
			return Result{}, err
		}
		err = l.store.Put(ctx, Key(decisionID), raw, version)
		if err == nil {
			return tally(d, rec, email), nil
		}
		if !errors.Is(err, kv.ErrConflict) {
			return Result{}, err
		}
	}
	return Result{}, fmt.Errorf("votes %s: %w", decisionID, kv.ErrConflict)
}

// Results returns the tally without mutation; email, when present, selects
// the caller's own recorded choice.
func (l *Ledger) Results(ctx context.Context, decisionID, email string) (Result, error) {
	d, ok := l.campaigns.Decision(decisionID)
	if !ok {
		return Result{}, ErrUnknownDecision
	}
	rec, _, err := l.load(ctx, decisionID)
	if err != nil {
		return Result{}, err
	}
	return tally(d, rec, email), nil
}

func (l *Ledger) load(ctx context.Context, decisionID string) (record, int64, error) {
	doc, err := l.store.Get(ctx, Key(decisionID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return record{DecisionID: decisionID, Choices: map[string]string{}}, 0, nil
		}
		return record{}, 0, err
	}
	var rec record
	if err := json.Unmarshal(doc.Value, &rec); err != nil {
		return record{}, 0, fmt.Errorf("decode votes %s: %w", decisionID, err)
	}
	if rec.Choices == nil {
		rec.Choices = map[string]string{}
	}
	return rec, doc.Version, nil
}

// tally recomputes counts from the full record set. Choices naming options
// since removed from the definition are dropped rather than counted.
func tally(d campaign.Decision, rec record, email string) Result {
	res := Result{
		DecisionID: d.ID,
		Status:     d.Status,
		Prompt:     d.Prompt,
		Options:    d.Options,
		Tally:      make(map[string]int, len(d.Options)),
	}
	for _, o := range d.Options {
		res.Tally[o] = 0
	}
	for _, choice := range rec.Choices {
		if _, ok := res.Tally[choice]; ok {
			res.Tally[choice]++
			res.TotalVotes++
		}
	}
	if email != "" {
		res.OwnChoice = rec.Choices[email]
	}
	return res
}
