package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/api"
	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/inventory"
	"github.com/aindaco1/pool-sub001/internal/kv"
	"github.com/aindaco1/pool-sub001/internal/ledger"
	"github.com/aindaco1/pool-sub001/internal/notify"
	"github.com/aindaco1/pool-sub001/internal/pledge"
	"github.com/aindaco1/pool-sub001/internal/processor"
	"github.com/aindaco1/pool-sub001/internal/settlement"
	"github.com/aindaco1/pool-sub001/internal/stats"
	"github.com/aindaco1/pool-sub001/internal/votes"
	"github.com/aindaco1/pool-sub001/pkg/db"
	"github.com/aindaco1/pool-sub001/pkg/token"
)

type ServeOptions struct {
	*RootOptions
	Port         string
	CampaignDir  string
	TokenDevMode bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Port, "port", envOr("SERVICE_PORT", "8080"), "listen port")
	cmd.Flags().StringVar(&opts.CampaignDir, "campaigns", envOr("CAMPAIGN_DIR", "./campaigns"), "directory of campaign definition yaml files")
	cmd.Flags().BoolVar(&opts.TokenDevMode, "token-dev-mode", os.Getenv("TOKEN_DEV_MODE") == "true", "accept dev bypass tokens (never in production)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	log, err := newLogger(opts.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	tokenSecret := os.Getenv("TOKEN_SECRET")
	if tokenSecret == "" {
		return errors.New("TOKEN_SECRET is required")
	}
	adminKey := os.Getenv("ADMIN_KEY")
	if adminKey == "" {
		return errors.New("ADMIN_KEY is required")
	}

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	store := kv.NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	campaigns, err := campaign.LoadDir(opts.CampaignDir)
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}

	tokens := token.New(tokenSecret)
	if opts.TokenDevMode {
		log.Warn("dev bypass tokens enabled")
		tokens = token.NewTestMode(tokenSecret)
	}

	emitter := &notify.LogEmitter{Log: log}
	pledges := pledge.NewRepository(store, campaigns)
	tracker := inventory.NewTracker(store, campaigns, pledges)
	aggregator := stats.NewAggregator(store, campaigns, pledges, emitter)
	led := ledger.New(pledges, tracker, aggregator, campaigns, emitter, log)
	ingestor := settlement.NewIngestor(store, led, log)
	voteLedger := votes.NewLedger(store, campaigns, led)
	checkout := &processor.HostedCheckout{BaseURL: os.Getenv("CHECKOUT_BASE_URL")}

	server := api.NewServer(led, voteLedger, aggregator, tracker, ingestor, tokens, campaigns, checkout, api.Config{
		AdminKey:       adminKey,
		WebhookSecrets: webhookSecretsFromEnv(),
	}, log)

	srv := &http.Server{
		Addr:              ":" + opts.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
