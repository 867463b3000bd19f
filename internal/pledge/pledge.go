// Package pledge is the single source of truth for a backer's commitment:
// the current snapshot plus the append-only history it must always equal.
package pledge

import "time"

type Status string

const (
	StatusActive        Status = "active"
	StatusCancelled     Status = "cancelled"
	StatusPaymentFailed Status = "payment_failed"
	StatusCharged       Status = "charged"
)

// TierLine is one additional-tier slot on a pledge.
type TierLine struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

type EntryKind string

const (
	EntryCreated   EntryKind = "created"
	EntryModified  EntryKind = "modified"
	EntryCancelled EntryKind = "cancelled"
	EntryCharged   EntryKind = "charged"
	EntryFailed    EntryKind = "failed"
	// EntryRetry records a payment_failed pledge re-entering active after
	// the backer updated their payment method. Status-only, no deltas.
	EntryRetry EntryKind = "retry"
)

type CreatedEntry struct {
	Subtotal        int64      `json:"subtotal"`
	Tax             int64      `json:"tax"`
	Amount          int64      `json:"amount"`
	TierID          string     `json:"tier_id,omitempty"`
	TierQty         int        `json:"tier_qty,omitempty"`
	AdditionalTiers []TierLine `json:"additional_tiers,omitempty"`
}

type ModifiedEntry struct {
	SubtotalDelta   int64      `json:"subtotal_delta"`
	TaxDelta        int64      `json:"tax_delta"`
	AmountDelta     int64      `json:"amount_delta"`
	TierID          string     `json:"tier_id,omitempty"`
	TierQty         int        `json:"tier_qty,omitempty"`
	AdditionalTiers []TierLine `json:"additional_tiers,omitempty"`
}

type CancelledEntry struct {
	SubtotalDelta int64 `json:"subtotal_delta"`
	TaxDelta      int64 `json:"tax_delta"`
	AmountDelta   int64 `json:"amount_delta"`
}

// Entry is one history event. Kind selects which payload pointer is set;
// charged, failed, and retry entries are status-only markers.
type Entry struct {
	Kind      EntryKind       `json:"kind"`
	At        time.Time       `json:"at"`
	Created   *CreatedEntry   `json:"created,omitempty"`
	Modified  *ModifiedEntry  `json:"modified,omitempty"`
	Cancelled *CancelledEntry `json:"cancelled,omitempty"`
}

// ProcessorRefs are the payment processor's identifiers for this backer's
// saved payment method.
type ProcessorRefs struct {
	CustomerID      string `json:"customer_id,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	SetupIntentID   string `json:"setup_intent_id,omitempty"`
}

type Pledge struct {
	OrderID      string        `json:"order_id"`
	Email        string        `json:"email"`
	CampaignSlug string        `json:"campaign_slug"`
	Processor    ProcessorRefs `json:"processor"`

	TierID          string     `json:"tier_id,omitempty"`
	TierQty         int        `json:"tier_qty,omitempty"`
	AdditionalTiers []TierLine `json:"additional_tiers,omitempty"`

	Subtotal int64 `json:"subtotal"`
	Tax      int64 `json:"tax"`
	Amount   int64 `json:"amount"`

	Status  Status `json:"pledge_status"`
	Charged bool   `json:"charged"`
	// Confirmed flips when the processor reports payment-method setup
	// success. An unconfirmed active pledge is still provisional and
	// contributes to no aggregate.
	Confirmed bool `json:"confirmed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	History []Entry `json:"history"`
}

// EffectiveHistory returns the history, synthesizing a single created entry
// from the snapshot for legacy records that predate history tracking.
func (p Pledge) EffectiveHistory() []Entry {
	if len(p.History) > 0 {
		return p.History
	}
	return []Entry{{
		Kind: EntryCreated,
		At:   p.CreatedAt,
		Created: &CreatedEntry{
			Subtotal:        p.Subtotal,
			Tax:             p.Tax,
			Amount:          p.Amount,
			TierID:          p.TierID,
			TierQty:         p.TierQty,
			AdditionalTiers: p.AdditionalTiers,
		},
	}}
}

// HistoryTotals folds the created amounts and every delta in the effective
// history. The snapshot totals must always equal these sums.
func (p Pledge) HistoryTotals() (subtotal, tax, amount int64) {
	for _, e := range p.EffectiveHistory() {
		switch e.Kind {
		case EntryCreated:
			if e.Created != nil {
				subtotal += e.Created.Subtotal
				tax += e.Created.Tax
				amount += e.Created.Amount
			}
		case EntryModified:
			if e.Modified != nil {
				subtotal += e.Modified.SubtotalDelta
				tax += e.Modified.TaxDelta
				amount += e.Modified.AmountDelta
			}
		case EntryCancelled:
			if e.Cancelled != nil {
				subtotal += e.Cancelled.SubtotalDelta
				tax += e.Cancelled.TaxDelta
				amount += e.Cancelled.AmountDelta
			}
		}
	}
	return subtotal, tax, amount
}

// TierQuantities sums the pledge's reserved units per tier across the
// primary and additional-tier slots.
func (p Pledge) TierQuantities() map[string]int {
	out := make(map[string]int)
	if p.TierID != "" && p.TierQty > 0 {
		out[p.TierID] += p.TierQty
	}
	for _, line := range p.AdditionalTiers {
		if line.ID != "" && line.Qty > 0 {
			out[line.ID] += line.Qty
		}
	}
	return out
}

// CountsForInventory reports whether this pledge holds tier inventory:
// confirmed and not cancelled. A payment_failed pledge keeps its reservation
// pending retry.
func (p Pledge) CountsForInventory() bool {
	return p.Confirmed && p.Status != StatusCancelled
}

// CountsForStats reports whether this pledge contributes to the campaign's
// pledged total: confirmed with status active or charged.
func (p Pledge) CountsForStats() bool {
	return p.Confirmed && (p.Status == StatusActive || p.Status == StatusCharged)
}
