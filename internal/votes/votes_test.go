package votes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/kv"
)

type allowList map[string]bool

func (a allowList) EligibleVoter(_ context.Context, _, email string) (bool, error) {
	return a[email], nil
}

func testLedger(t *testing.T, eligible allowList) *Ledger {
	t.Helper()
	reg, err := campaign.NewRegistry(campaign.Campaign{
		Slug: "film",
		Decisions: []campaign.Decision{
			{ID: "poster-art", Status: campaign.DecisionOpen, Prompt: "Which art?", Options: []string{"minimal", "illustrated"}},
			{ID: "premiere-city", Status: campaign.DecisionClosed, Options: []string{"albuquerque", "austin"}},
		},
	})
	require.NoError(t, err)
	return NewLedger(kv.NewMemory(), reg, eligible)
}

func TestCast(t *testing.T) {
	l := testLedger(t, allowList{"a@example.com": true, "b@example.com": true})
	ctx := context.Background()

	res, err := l.Cast(ctx, "poster-art", "a@example.com", "minimal")
	require.NoError(t, err)
	require.Equal(t, 1, res.Tally["minimal"])
	require.Equal(t, "minimal", res.OwnChoice)

	res, err = l.Cast(ctx, "poster-art", "b@example.com", "illustrated")
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalVotes)
}

func TestCast_OverwriteNeverDoubleCounts(t *testing.T) {
	l := testLedger(t, allowList{"a@example.com": true})
	ctx := context.Background()

	_, err := l.Cast(ctx, "poster-art", "a@example.com", "minimal")
	require.NoError(t, err)
	res, err := l.Cast(ctx, "poster-art", "a@example.com", "illustrated")
	require.NoError(t, err)

	require.Equal(t, 0, res.Tally["minimal"])
	require.Equal(t, 1, res.Tally["illustrated"])
	require.Equal(t, 1, res.TotalVotes, "one voter, one vote")
	require.Equal(t, "illustrated", res.OwnChoice)
}

func TestCast_Guards(t *testing.T) {
	l := testLedger(t, allowList{"a@example.com": true})
	ctx := context.Background()

	_, err := l.Cast(ctx, "missing", "a@example.com", "minimal")
	require.ErrorIs(t, err, ErrUnknownDecision)

	_, err = l.Cast(ctx, "premiere-city", "a@example.com", "austin")
	require.ErrorIs(t, err, ErrDecisionClosed)

	_, err = l.Cast(ctx, "poster-art", "a@example.com", "sepia")
	require.ErrorIs(t, err, ErrInvalidOption)

	_, err = l.Cast(ctx, "poster-art", "stranger@example.com", "minimal")
	require.ErrorIs(t, err, ErrIneligibleVoter)
}

func TestResults(t *testing.T) {
	l := testLedger(t, allowList{"a@example.com": true})
	ctx := context.Background()

	// Untouched decision: zero counts for every option.
	res, err := l.Results(ctx, "poster-art", "")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"minimal": 0, "illustrated": 0}, res.Tally)
	require.Zero(t, res.TotalVotes)
	require.Empty(t, res.OwnChoice)

	_, err = l.Cast(ctx, "poster-art", "a@example.com", "minimal")
	require.NoError(t, err)

	res, err = l.Results(ctx, "poster-art", "a@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, res.Tally["minimal"])
	require.Equal(t, "minimal", res.OwnChoice)

	_, err = l.Results(ctx, "missing", "")
	require.ErrorIs(t, err, ErrUnknownDecision)
}
