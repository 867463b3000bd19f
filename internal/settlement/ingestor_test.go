package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/inventory"
	"github.com/aindaco1/pool-sub001/internal/kv"
	"github.com/aindaco1/pool-sub001/internal/ledger"
	"github.com/aindaco1/pool-sub001/internal/notify"
	"github.com/aindaco1/pool-sub001/internal/pledge"
	"github.com/aindaco1/pool-sub001/internal/stats"
)

func newIngestorFixture(t *testing.T) (*Ingestor, *pledge.Repository) {
	t.Helper()
	reg, err := campaign.NewRegistry(campaign.Campaign{
		Slug:      "film",
		GoalCents: 1_000_000,
		Deadline:  time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		Tiers:     []campaign.Tier{{ID: "digital", PriceCents: 2500}},
	})
	require.NoError(t, err)

	store := kv.NewMemory()
	log := zap.NewNop()
	repo := pledge.NewRepository(store, reg)
	tracker := inventory.NewTracker(store, reg, repo)
	agg := stats.NewAggregator(store, reg, repo, &notify.LogEmitter{Log: log})
	led := ledger.New(repo, tracker, agg, reg, &notify.LogEmitter{Log: log}, log)
	return NewIngestor(store, led, log), repo
}

func seedPledge(t *testing.T, repo *pledge.Repository, order string) {
	t.Helper()
	_, err := repo.Create(context.Background(), order, "film", order+"@example.com",
		pledge.Selection{TierID: "digital", TierQty: 1},
		pledge.Amounts{Subtotal: 2500, Tax: 0, Amount: 2500})
	require.NoError(t, err)
}

func TestApply_SetupThenCharge(t *testing.T) {
	in, repo := newIngestorFixture(t)
	seedPledge(t, repo, "ord_1")
	ctx := context.Background()

	out, err := in.Apply(ctx, Event{
		ID: "evt_1", Provider: "stripe", Kind: SetupSucceeded, OrderID: "ord_1",
		Refs: pledge.ProcessorRefs{CustomerID: "cus_1", SetupIntentID: "seti_1"},
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.False(t, out.Duplicate)

	out, err = in.Apply(ctx, Event{ID: "evt_2", Provider: "stripe", Kind: ChargeSucceeded, OrderID: "ord_1"})
	require.NoError(t, err)
	require.True(t, out.Applied)

	p, err := repo.Get(ctx, "ord_1")
	require.NoError(t, err)
	require.Equal(t, pledge.StatusCharged, p.Status)
	require.Equal(t, "cus_1", p.Processor.CustomerID)
}

func TestApply_DuplicateEventIDIsNoOpSuccess(t *testing.T) {
	in, repo := newIngestorFixture(t)
	seedPledge(t, repo, "ord_2")
	ctx := context.Background()

	ev := Event{ID: "evt_dup", Provider: "stripe", Kind: SetupSucceeded, OrderID: "ord_2"}
	_, err := in.Apply(ctx, ev)
	require.NoError(t, err)

	out, err := in.Apply(ctx, ev)
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.False(t, out.Applied)

	// Same id from a different provider is a different event.
	out, err = in.Apply(ctx, Event{ID: "evt_dup", Provider: "other", Kind: SetupSucceeded, OrderID: "ord_2"})
	require.NoError(t, err)
	require.False(t, out.Duplicate)
}

func TestApply_WrongStateRejected(t *testing.T) {
	in, repo := newIngestorFixture(t)
	seedPledge(t, repo, "ord_3")
	ctx := context.Background()

	// Charge before setup confirmation: the state machine refuses.
	_, err := in.Apply(ctx, Event{ID: "evt_early", Provider: "stripe", Kind: ChargeSucceeded, OrderID: "ord_3"})
	require.ErrorIs(t, err, pledge.ErrInvalidState)
}

func TestApply_RejectedEventStaysRetryable(t *testing.T) {
	in, repo := newIngestorFixture(t)
	seedPledge(t, repo, "ord_ooo")
	ctx := context.Background()

	// Out-of-order delivery: the charge arrives before the setup event.
	charge := Event{ID: "evt_charge", Provider: "stripe", Kind: ChargeSucceeded, OrderID: "ord_ooo"}
	_, err := in.Apply(ctx, charge)
	require.ErrorIs(t, err, pledge.ErrInvalidState)

	p, err := repo.Get(ctx, "ord_ooo")
	require.NoError(t, err)
	require.Equal(t, pledge.StatusActive, p.Status)

	_, err = in.Apply(ctx, Event{ID: "evt_setup", Provider: "stripe", Kind: SetupSucceeded, OrderID: "ord_ooo"})
	require.NoError(t, err)

	// The processor redelivers the identical charge event. The earlier
	// rejection must not have burned its id.
	out, err := in.Apply(ctx, charge)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.False(t, out.Duplicate)

	p, err = repo.Get(ctx, "ord_ooo")
	require.NoError(t, err)
	require.Equal(t, pledge.StatusCharged, p.Status)

	// Once absorbed, a further replay is back to being a duplicate.
	out, err = in.Apply(ctx, charge)
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.False(t, out.Applied)
}

func TestApply_MethodUpdatedOnHealthyPledgeIsBenign(t *testing.T) {
	in, repo := newIngestorFixture(t)
	seedPledge(t, repo, "ord_4")
	ctx := context.Background()

	_, err := in.Apply(ctx, Event{ID: "evt_setup", Provider: "stripe", Kind: SetupSucceeded, OrderID: "ord_4"})
	require.NoError(t, err)

	out, err := in.Apply(ctx, Event{ID: "evt_pm", Provider: "stripe", Kind: MethodUpdated, OrderID: "ord_4"})
	require.NoError(t, err)
	require.False(t, out.Applied, "no failed payment to retry")
}

func TestApply_FailureThenMethodUpdateRetries(t *testing.T) {
	in, repo := newIngestorFixture(t)
	seedPledge(t, repo, "ord_5")
	ctx := context.Background()

	for i, ev := range []Event{
		{Kind: SetupSucceeded, OrderID: "ord_5"},
		{Kind: ChargeFailed, OrderID: "ord_5"},
		{Kind: MethodUpdated, OrderID: "ord_5", Refs: pledge.ProcessorRefs{PaymentMethodID: "pm_new"}},
		{Kind: ChargeSucceeded, OrderID: "ord_5"},
	} {
		ev.ID = fmt.Sprintf("evt_seq_%d", i)
		ev.Provider = "stripe"
		_, err := in.Apply(ctx, ev)
		require.NoError(t, err, "step %d", i)
	}

	p, err := repo.Get(ctx, "ord_5")
	require.NoError(t, err)
	require.Equal(t, pledge.StatusCharged, p.Status)
	require.Equal(t, "pm_new", p.Processor.PaymentMethodID)
}

func TestApply_Validation(t *testing.T) {
	in, _ := newIngestorFixture(t)
	ctx := context.Background()

	_, err := in.Apply(ctx, Event{Provider: "stripe", Kind: SetupSucceeded, OrderID: "ord_x"})
	require.ErrorIs(t, err, ErrMissingEventID)

	_, err = in.Apply(ctx, Event{ID: "evt_x", Provider: "stripe", Kind: SetupSucceeded})
	require.ErrorIs(t, err, ErrMissingOrderID)
}

func TestFromProcessor_StripeEnvelope(t *testing.T) {
	body := []byte(`{
		"id": "evt_9",
		"type": "setup_intent.succeeded",
		"data": {"object": {
			"id": "seti_9",
			"customer": "cus_9",
			"payment_method": "pm_9",
			"metadata": {"order_id": "ord_9"}
		}}
	}`)
	ev, err := FromProcessor("stripe", "", "", body)
	require.NoError(t, err)
	require.Equal(t, "evt_9", ev.ID)
	require.Equal(t, SetupSucceeded, ev.Kind)
	require.Equal(t, "ord_9", ev.OrderID)
	require.Equal(t, "seti_9", ev.Refs.SetupIntentID)
	require.Equal(t, "cus_9", ev.Refs.CustomerID)
	require.Equal(t, "pm_9", ev.Refs.PaymentMethodID)
}

func TestFromProcessor_GenericFlatBody(t *testing.T) {
	body := []byte(`{"order_id": "ord_10"}`)
	ev, err := FromProcessor("internal", "evt_10", "charge_succeeded", body)
	require.NoError(t, err)
	require.Equal(t, ChargeSucceeded, ev.Kind)
	require.Equal(t, "ord_10", ev.OrderID)
}

func TestFromProcessor_Errors(t *testing.T) {
	_, err := FromProcessor("stripe", "evt_11", "price.updated", []byte(`{"order_id":"ord_11"}`))
	require.ErrorIs(t, err, ErrUnknownEventType)

	_, err = FromProcessor("stripe", "evt_12", "charge_succeeded", []byte(`{}`))
	require.ErrorIs(t, err, ErrMissingOrderID)

	_, err = FromProcessor("stripe", "", "charge_succeeded", []byte(`{"order_id":"ord_13"}`))
	require.ErrorIs(t, err, ErrMissingEventID)
}
