package pledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/kv"
)

var (
	ErrNotFound        = errors.New("pledge not found")
	ErrDuplicateOrder  = errors.New("order id already exists")
	ErrInvalidState    = errors.New("pledge is not in a state that allows this transition")
	ErrCampaignClosed  = errors.New("campaign is past its deadline")
	ErrUnknownCampaign = errors.New("unknown campaign")
	ErrBadAmounts      = errors.New("amount must equal subtotal plus tax")
	ErrBadSelection    = errors.New("invalid tier selection")
)

// Selection is the backer's chosen reward tiers.
type Selection struct {
	TierID          string
	TierQty         int
	AdditionalTiers []TierLine
}

// Amounts is a money triple in integer minor units.
type Amounts struct {
	Subtotal int64
	Tax      int64
	Amount   int64
}

func Key(orderID string) string { return "pledge:" + orderID }

const keyPrefix = "pledge:"

// casRetries bounds the optimistic-concurrency retry loop. Contention on one
// order id is a backer double-clicking, not a hot key.
const casRetries = 5

// Repository owns every pledge document. Each mutation is a read-modify-write
// under the document's version: concurrent writers to one order id serialize
// by retrying against fresh state, so no update is ever lost.
type Repository struct {
	store     kv.Store
	campaigns *campaign.Registry
	now       func() time.Time
}

func NewRepository(store kv.Store, campaigns *campaign.Registry) *Repository {
	return &Repository{store: store, campaigns: campaigns, now: time.Now}
}

// WithClock overrides the repository clock. Tests only.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func (r *Repository) Get(ctx context.Context, orderID string) (Pledge, error) {
	doc, err := r.store.Get(ctx, Key(orderID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Pledge{}, ErrNotFound
		}
		return Pledge{}, err
	}
	var p Pledge
	if err := json.Unmarshal(doc.Value, &p); err != nil {
		return Pledge{}, fmt.Errorf("decode pledge %s: %w", orderID, err)
	}
	return p, nil
}

// ListByCampaign scans all pledges and keeps the campaign's. The backing
// store offers prefix listing only, so cross-entity reads stay full scans
// that aggregates can recompute from at any time.
func (r *Repository) ListByCampaign(ctx context.Context, slug string) ([]Pledge, error) {
	docs, err := r.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	var out []Pledge
	for _, doc := range docs {
		var p Pledge
		if err := json.Unmarshal(doc.Value, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.Key, err)
		}
		if p.CampaignSlug == slug {
			out = append(out, p)
		}
	}
	return out, nil
}

// Create stores a provisional pledge: status active, unconfirmed, with the
// single created history entry. It has no effect on inventory or stats until
// the processor confirms payment-method setup.
func (r *Repository) Create(ctx context.Context, orderID, slug, email string, sel Selection, amt Amounts) (Pledge, error) {
	if strings.TrimSpace(orderID) == "" || strings.TrimSpace(email) == "" {
		return Pledge{}, fmt.Errorf("%w: order id and email are required", ErrBadSelection)
	}
	c, ok := r.campaigns.Campaign(slug)
	if !ok {
		return Pledge{}, ErrUnknownCampaign
	}
	now := r.now().UTC()
	if c.Closed(now) {
		return Pledge{}, ErrCampaignClosed
	}
	if err := validateAmounts(amt); err != nil {
		return Pledge{}, err
	}
	if err := validateSelection(c, sel); err != nil {
		return Pledge{}, err
	}

	p := Pledge{
		OrderID:         orderID,
		Email:           email,
		CampaignSlug:    slug,
		TierID:          sel.TierID,
		TierQty:         sel.TierQty,
		AdditionalTiers: sel.AdditionalTiers,
		Subtotal:        amt.Subtotal,
		Tax:             amt.Tax,
		Amount:          amt.Amount,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
		History: []Entry{{
			Kind: EntryCreated,
			At:   now,
			Created: &CreatedEntry{
				Subtotal:        amt.Subtotal,
				Tax:             amt.Tax,
				Amount:          amt.Amount,
				TierID:          sel.TierID,
				TierQty:         sel.TierQty,
				AdditionalTiers: sel.AdditionalTiers,
			},
		}},
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Pledge{}, err
	}
	if err := r.store.Create(ctx, Key(orderID), raw); err != nil {
		if errors.Is(err, kv.ErrExists) {
			return Pledge{}, ErrDuplicateOrder
		}
		return Pledge{}, err
	}
	return p, nil
}

// ApplyModification replaces the tier selection and totals of an active
// pledge, recording the change as deltas against the current snapshot.
func (r *Repository) ApplyModification(ctx context.Context, orderID string, sel Selection, amt Amounts) (Pledge, error) {
	if err := validateAmounts(amt); err != nil {
		return Pledge{}, err
	}
	return r.mutate(ctx, orderID, func(p *Pledge) error {
		c, ok := r.campaigns.Campaign(p.CampaignSlug)
		if !ok {
			return ErrUnknownCampaign
		}
		now := r.now().UTC()
		if c.Closed(now) {
			return ErrCampaignClosed
		}
		if p.Status != StatusActive {
			return fmt.Errorf("%w: status %s", ErrInvalidState, p.Status)
		}
		if err := validateSelection(c, sel); err != nil {
			return err
		}
		entry := Entry{
			Kind: EntryModified,
			At:   now,
			Modified: &ModifiedEntry{
				SubtotalDelta:   amt.Subtotal - p.Subtotal,
				TaxDelta:        amt.Tax - p.Tax,
				AmountDelta:     amt.Amount - p.Amount,
				TierID:          sel.TierID,
				TierQty:         sel.TierQty,
				AdditionalTiers: sel.AdditionalTiers,
			},
		}
		p.TierID = sel.TierID
		p.TierQty = sel.TierQty
		p.AdditionalTiers = sel.AdditionalTiers
		p.Subtotal = amt.Subtotal
		p.Tax = amt.Tax
		p.Amount = amt.Amount
		p.History = append(p.EffectiveHistory(), entry)
		p.UpdatedAt = now
		return nil
	})
}

// Cancel releases a pledge, appending negative deltas equal to its current
// totals. Both active and payment_failed pledges may cancel: a backer whose
// charge failed can still walk away, and a checkout.session.expired event
// must free their tier slot. Only charged is terminal. Cancelling an
// already-cancelled pledge is a no-op success; the changed result tells
// callers whether anything happened.
func (r *Repository) Cancel(ctx context.Context, orderID string) (Pledge, bool, error) {
	changed := false
	p, err := r.mutate(ctx, orderID, func(p *Pledge) error {
		if p.Status == StatusCancelled {
			return nil
		}
		if p.Status == StatusCharged {
			return fmt.Errorf("%w: pledge already charged", ErrInvalidState)
		}
		now := r.now().UTC()
		p.History = append(p.EffectiveHistory(), Entry{
			Kind: EntryCancelled,
			At:   now,
			Cancelled: &CancelledEntry{
				SubtotalDelta: -p.Subtotal,
				TaxDelta:      -p.Tax,
				AmountDelta:   -p.Amount,
			},
		})
		p.Subtotal = 0
		p.Tax = 0
		p.Amount = 0
		p.Status = StatusCancelled
		p.UpdatedAt = now
		changed = true
		return nil
	})
	return p, changed, err
}

// Confirm records processor setup success, flipping the pledge from
// provisional to confirmed. Replays are no-op successes.
func (r *Repository) Confirm(ctx context.Context, orderID string, refs ProcessorRefs) (Pledge, bool, error) {
	changed := false
	p, err := r.mutate(ctx, orderID, func(p *Pledge) error {
		if p.Status != StatusActive {
			return fmt.Errorf("%w: status %s", ErrInvalidState, p.Status)
		}
		if p.Confirmed {
			return nil
		}
		if refs.CustomerID != "" {
			p.Processor.CustomerID = refs.CustomerID
		}
		if refs.PaymentMethodID != "" {
			p.Processor.PaymentMethodID = refs.PaymentMethodID
		}
		if refs.SetupIntentID != "" {
			p.Processor.SetupIntentID = refs.SetupIntentID
		}
		p.Confirmed = true
		p.UpdatedAt = r.now().UTC()
		changed = true
		return nil
	})
	return p, changed, err
}

// MarkCharged is the terminal settlement transition. Only the settlement
// ingestor calls it; a pledge must be confirmed active.
func (r *Repository) MarkCharged(ctx context.Context, orderID string) (Pledge, error) {
	return r.mutate(ctx, orderID, func(p *Pledge) error {
		if p.Status != StatusActive || !p.Confirmed {
			return fmt.Errorf("%w: status %s confirmed=%t", ErrInvalidState, p.Status, p.Confirmed)
		}
		now := r.now().UTC()
		p.Status = StatusCharged
		p.Charged = true
		p.History = append(p.EffectiveHistory(), Entry{Kind: EntryCharged, At: now})
		p.UpdatedAt = now
		return nil
	})
}

// MarkFailed records a failed settlement charge.
func (r *Repository) MarkFailed(ctx context.Context, orderID string) (Pledge, error) {
	return r.mutate(ctx, orderID, func(p *Pledge) error {
		if p.Status != StatusActive || !p.Confirmed {
			return fmt.Errorf("%w: status %s confirmed=%t", ErrInvalidState, p.Status, p.Confirmed)
		}
		now := r.now().UTC()
		p.Status = StatusPaymentFailed
		p.History = append(p.EffectiveHistory(), Entry{Kind: EntryFailed, At: now})
		p.UpdatedAt = now
		return nil
	})
}

// Retry returns a payment_failed pledge to active after the backer updated
// their payment method, ready for the settlement driver to try again.
func (r *Repository) Retry(ctx context.Context, orderID string, refs ProcessorRefs) (Pledge, error) {
	return r.mutate(ctx, orderID, func(p *Pledge) error {
		if p.Status != StatusPaymentFailed {
			return fmt.Errorf("%w: status %s", ErrInvalidState, p.Status)
		}
		if refs.PaymentMethodID != "" {
			p.Processor.PaymentMethodID = refs.PaymentMethodID
		}
		now := r.now().UTC()
		p.Status = StatusActive
		p.History = append(p.EffectiveHistory(), Entry{Kind: EntryRetry, At: now})
		p.UpdatedAt = now
		return nil
	})
}

// mutate runs fn against the current document and writes the result under
// the document's version, retrying on conflict. fn returning an error aborts
// without writing.
func (r *Repository) mutate(ctx context.Context, orderID string, fn func(*Pledge) error) (Pledge, error) {
	var lastErr error
	for i := 0; i < casRetries; i++ {
		doc, err := r.store.Get(ctx, Key(orderID))
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return Pledge{}, ErrNotFound
			}
			return Pledge{}, err
		}
		var p Pledge
		if err := json.Unmarshal(doc.Value, &p); err != nil {
			return Pledge{}, fmt.Errorf("decode pledge %s: %w", orderID, err)
		}
		if err := fn(&p); err != nil {
			return Pledge{}, err
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return Pledge{}, err
		}
		err = r.store.Put(ctx, Key(orderID), raw, doc.Version)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, kv.ErrConflict) {
			return Pledge{}, err
		}
		lastErr = err
	}
	return Pledge{}, fmt.Errorf("pledge %s: too many concurrent writers: %w", orderID, lastErr)
}

func validateAmounts(amt Amounts) error {
	if amt.Subtotal < 0 || amt.Tax < 0 || amt.Amount < 0 {
		return fmt.Errorf("%w: negative amounts", ErrBadAmounts)
	}
	if amt.Amount != amt.Subtotal+amt.Tax {
		return ErrBadAmounts
	}
	return nil
}

func validateSelection(c campaign.Campaign, sel Selection) error {
	check := func(id string, qty int) error {
		t, ok := c.Tier(id)
		if !ok {
			return fmt.Errorf("%w: unknown tier %q", ErrBadSelection, id)
		}
		if qty < 1 {
			return fmt.Errorf("%w: tier %q qty must be at least 1", ErrBadSelection, id)
		}
		if !t.Stackable && qty != 1 {
			return fmt.Errorf("%w: tier %q is not stackable", ErrBadSelection, id)
		}
		return nil
	}
	if sel.TierID != "" {
		if err := check(sel.TierID, sel.TierQty); err != nil {
			return err
		}
	} else if sel.TierQty != 0 {
		return fmt.Errorf("%w: tier qty without tier id", ErrBadSelection)
	}
	for _, line := range sel.AdditionalTiers {
		if err := check(line.ID, line.Qty); err != nil {
			return err
		}
	}
	return nil
}
