package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/inventory"
	"github.com/aindaco1/pool-sub001/internal/kv"
	"github.com/aindaco1/pool-sub001/internal/notify"
	"github.com/aindaco1/pool-sub001/internal/pledge"
	"github.com/aindaco1/pool-sub001/internal/stats"
)

type capturingEmitter struct {
	events []notify.Event
}

func (c *capturingEmitter) Emit(_ context.Context, ev notify.Event) {
	c.events = append(c.events, ev)
}

func (c *capturingEmitter) types() []string {
	var out []string
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	ledger    *Ledger
	emitter   *capturingEmitter
	stats     *stats.Aggregator
	inventory *inventory.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	limit := 2
	reg, err := campaign.NewRegistry(campaign.Campaign{
		Slug:      "film",
		GoalCents: 100_000,
		Deadline:  time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Tiers: []campaign.Tier{
			{ID: "digital", PriceCents: 2500},
			{ID: "bluray", PriceCents: 6000, LimitTotal: &limit},
			{ID: "premiere", PriceCents: 20000, RequiresThresholdCents: 50_000},
		},
	})
	require.NoError(t, err)

	store := kv.NewMemory()
	em := &capturingEmitter{}
	repo := pledge.NewRepository(store, reg)
	repo.WithClock(func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) })
	tracker := inventory.NewTracker(store, reg, repo)
	agg := stats.NewAggregator(store, reg, repo, em)
	return &fixture{
		ledger:    New(repo, tracker, agg, reg, em, zap.NewNop()),
		emitter:   em,
		stats:     agg,
		inventory: tracker,
	}
}

func (f *fixture) startConfirmed(t *testing.T, order, tier string, amount int64) pledge.Pledge {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.Start(ctx, order, "film", order+"@example.com",
		pledge.Selection{TierID: tier, TierQty: 1},
		pledge.Amounts{Subtotal: amount, Tax: 0, Amount: amount})
	require.NoError(t, err)
	p, changed, err := f.ledger.Confirm(ctx, order, pledge.ProcessorRefs{CustomerID: "cus_" + order})
	require.NoError(t, err)
	require.True(t, changed)
	return p
}

func TestStartAndConfirm_AggregatesMoveOnConfirmOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Start(ctx, "ord_1", "film", "a@example.com",
		pledge.Selection{TierID: "digital", TierQty: 1},
		pledge.Amounts{Subtotal: 2500, Tax: 0, Amount: 2500})
	require.NoError(t, err)

	snap, err := f.stats.Get(ctx, "film")
	require.NoError(t, err)
	require.Zero(t, snap.PledgedAmount, "provisional pledge must not count")
	require.Empty(t, f.emitter.events)

	p, changed, err := f.ledger.Confirm(ctx, "ord_1", pledge.ProcessorRefs{SetupIntentID: "seti_1"})
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, p.Confirmed)

	snap, err = f.stats.Get(ctx, "film")
	require.NoError(t, err)
	require.Equal(t, int64(2500), snap.PledgedAmount)
	require.Equal(t, []string{notify.PledgeCreated}, f.emitter.types())

	// Replayed confirmation: no aggregate churn, no duplicate announcement.
	_, changed, err = f.ledger.Confirm(ctx, "ord_1", pledge.ProcessorRefs{})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, []string{notify.PledgeCreated}, f.emitter.types())
}

func TestStart_ThresholdLockedTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Start(ctx, "ord_locked", "film", "a@example.com",
		pledge.Selection{TierID: "premiere", TierQty: 1},
		pledge.Amounts{Subtotal: 20000, Tax: 0, Amount: 20000})
	require.ErrorIs(t, err, ErrTierLocked)

	// Push the campaign past the tier's threshold, then the tier admits.
	f.startConfirmed(t, "ord_big", "digital", 60_000)

	_, err = f.ledger.Start(ctx, "ord_locked", "film", "a@example.com",
		pledge.Selection{TierID: "premiere", TierQty: 1},
		pledge.Amounts{Subtotal: 20000, Tax: 0, Amount: 20000})
	require.NoError(t, err)
}

func TestStart_SoldOutTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.startConfirmed(t, "ord_a", "bluray", 6000)
	f.startConfirmed(t, "ord_b", "bluray", 6000)

	_, err := f.ledger.Start(ctx, "ord_c", "film", "c@example.com",
		pledge.Selection{TierID: "bluray", TierQty: 1},
		pledge.Amounts{Subtotal: 6000, Tax: 0, Amount: 6000})
	require.ErrorIs(t, err, inventory.ErrSoldOut)
}

func TestModifyAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startConfirmed(t, "ord_m", "digital", 2500)

	p, err := f.ledger.Modify(ctx, "ord_m",
		pledge.Selection{TierID: "bluray", TierQty: 1},
		pledge.Amounts{Subtotal: 6000, Tax: 0, Amount: 6000})
	require.NoError(t, err)
	require.Equal(t, int64(6000), p.Amount)

	snap, err := f.stats.Get(ctx, "film")
	require.NoError(t, err)
	require.Equal(t, int64(6000), snap.PledgedAmount)

	inv, err := f.inventory.Get(ctx, "film")
	require.NoError(t, err)
	require.Equal(t, 1, inv.Tiers["bluray"].Reserved)

	_, err = f.ledger.Cancel(ctx, "ord_m")
	require.NoError(t, err)

	snap, err = f.stats.Get(ctx, "film")
	require.NoError(t, err)
	require.Zero(t, snap.PledgedAmount)
	inv, err = f.inventory.Get(ctx, "film")
	require.NoError(t, err)
	require.Zero(t, inv.Tiers["bluray"].Reserved)

	// Second cancel: success, but nothing announced twice.
	before := len(f.emitter.events)
	_, err = f.ledger.Cancel(ctx, "ord_m")
	require.NoError(t, err)
	require.Len(t, f.emitter.events, before)
}

func TestSettlementFlowKeepsInventoryThroughFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startConfirmed(t, "ord_s", "bluray", 6000)

	_, err := f.ledger.MarkFailed(ctx, "ord_s")
	require.NoError(t, err)

	snap, err := f.stats.Get(ctx, "film")
	require.NoError(t, err)
	require.Zero(t, snap.PledgedAmount, "failed pledge leaves the total")
	inv, err := f.inventory.Get(ctx, "film")
	require.NoError(t, err)
	require.Equal(t, 1, inv.Tiers["bluray"].Reserved, "failed pledge keeps its slot pending retry")

	_, err = f.ledger.Retry(ctx, "ord_s", pledge.ProcessorRefs{PaymentMethodID: "pm_new"})
	require.NoError(t, err)
	p, err := f.ledger.MarkCharged(ctx, "ord_s")
	require.NoError(t, err)
	require.Equal(t, pledge.StatusCharged, p.Status)

	snap, err = f.stats.Get(ctx, "film")
	require.NoError(t, err)
	require.Equal(t, int64(6000), snap.PledgedAmount, "charged pledges still count")
}

func TestRecoverCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Start(ctx, "ord_r", "film", "r@example.com",
		pledge.Selection{TierID: "digital", TierQty: 1},
		pledge.Amounts{Subtotal: 2500, Tax: 0, Amount: 2500})
	require.NoError(t, err)

	p, recovered, err := f.ledger.RecoverCheckout(ctx, "ord_r", pledge.ProcessorRefs{CustomerID: "cus_r"})
	require.NoError(t, err)
	require.True(t, recovered)
	require.True(t, p.Confirmed)
	require.Contains(t, f.emitter.types(), notify.CheckoutRecovered)

	// Already recovered: idempotent, no second audit event.
	before := len(f.emitter.events)
	_, recovered, err = f.ledger.RecoverCheckout(ctx, "ord_r", pledge.ProcessorRefs{})
	require.NoError(t, err)
	require.False(t, recovered)
	require.Len(t, f.emitter.events, before)
}

func TestEligibleVoter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startConfirmed(t, "ord_v", "digital", 2500)

	ok, err := f.ledger.EligibleVoter(ctx, "film", "ord_v@example.com")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.ledger.EligibleVoter(ctx, "film", "stranger@example.com")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.ledger.Cancel(ctx, "ord_v")
	require.NoError(t, err)
	ok, err = f.ledger.EligibleVoter(ctx, "film", "ord_v@example.com")
	require.NoError(t, err)
	require.False(t, ok, "cancelled pledges lose the vote")
}
