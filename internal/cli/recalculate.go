package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/inventory"
	"github.com/aindaco1/pool-sub001/internal/kv"
	"github.com/aindaco1/pool-sub001/internal/notify"
	"github.com/aindaco1/pool-sub001/internal/pledge"
	"github.com/aindaco1/pool-sub001/internal/stats"
	"github.com/aindaco1/pool-sub001/pkg/db"
)

type RecalculateOptions struct {
	*RootOptions
	CampaignDir string
}

// NewRecalculateCommand rebuilds the stats and inventory snapshots from the
// pledge set, for every campaign or just the named ones. Safe to run from
// cron: recomputation is idempotent and milestone events fire at most once.
func NewRecalculateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecalculateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recalculate [slug...]",
		Short: "Rebuild campaign aggregates from the pledge set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecalculate(cmd.Context(), opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.CampaignDir, "campaigns", envOr("CAMPAIGN_DIR", "./campaigns"), "directory of campaign definition yaml files")

	return cmd
}

func runRecalculate(ctx context.Context, opts *RecalculateOptions, slugs []string) error {
	log, err := newLogger(opts.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	store := kv.NewPostgres(pool)
	campaigns, err := campaign.LoadDir(opts.CampaignDir)
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}
	if len(slugs) == 0 {
		slugs = campaigns.Slugs()
	}

	pledges := pledge.NewRepository(store, campaigns)
	aggregator := stats.NewAggregator(store, campaigns, pledges, &notify.LogEmitter{Log: log})
	tracker := inventory.NewTracker(store, campaigns, pledges)

	for _, slug := range slugs {
		snap, err := aggregator.Recalculate(ctx, slug)
		if err != nil {
			return fmt.Errorf("stats %s: %w", slug, err)
		}
		inv, err := tracker.Recalculate(ctx, slug)
		if err != nil {
			return fmt.Errorf("inventory %s: %w", slug, err)
		}
		log.Info("recalculated",
			zap.String("campaign", slug),
			zap.Int64("pledged_amount", snap.PledgedAmount),
			zap.Int("pledge_count", snap.PledgeCount),
			zap.Strings("milestones", snap.MilestonesReached),
			zap.Int("tiers", len(inv.Tiers)),
		)
	}
	return nil
}
