// Package api exposes the engine over HTTP: checkout start, token-authed
// pledge management, voting, campaign aggregates, processor webhooks, and
// the admin reconciliation surface.
package api

import (
	"crypto/hmac"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/inventory"
	"github.com/aindaco1/pool-sub001/internal/ledger"
	"github.com/aindaco1/pool-sub001/internal/processor"
	"github.com/aindaco1/pool-sub001/internal/settlement"
	"github.com/aindaco1/pool-sub001/internal/stats"
	"github.com/aindaco1/pool-sub001/internal/votes"
	"github.com/aindaco1/pool-sub001/pkg/httpx"
	"github.com/aindaco1/pool-sub001/pkg/token"
)

// Config carries the secrets the handlers need. WebhookSecrets maps a
// processor name to its endpoint signing secret; providers without a secret
// do not exist as far as the webhook route is concerned.
type Config struct {
	AdminKey       string
	WebhookSecrets map[string]string
}

type Server struct {
	ledger    *ledger.Ledger
	votes     *votes.Ledger
	stats     *stats.Aggregator
	inventory *inventory.Tracker
	ingestor  *settlement.Ingestor
	tokens    *token.Codec
	campaigns *campaign.Registry
	checkout  processor.Client
	log       *zap.Logger

	adminKeyHash   [32]byte
	webhookSecrets map[string]string
}

func NewServer(
	l *ledger.Ledger,
	v *votes.Ledger,
	agg *stats.Aggregator,
	inv *inventory.Tracker,
	ing *settlement.Ingestor,
	tokens *token.Codec,
	campaigns *campaign.Registry,
	checkout processor.Client,
	cfg Config,
	log *zap.Logger,
) *Server {
	return &Server{
		ledger:         l,
		votes:          v,
		stats:          agg,
		inventory:      inv,
		ingestor:       ing,
		tokens:         tokens,
		campaigns:      campaigns,
		checkout:       checkout,
		log:            log,
		adminKeyHash:   token.HashKey(cfg.AdminKey),
		webhookSecrets: cfg.WebhookSecrets,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/start", s.handleStart)
	r.Get("/pledge", s.handleGetPledge)
	r.Post("/pledge", s.handlePostPledge)

	r.Get("/votes", s.handleGetVotes)
	r.Post("/votes", s.handleCastVote)

	r.Get("/stats/{slug}", s.handleGetStats)
	r.Get("/inventory/{slug}", s.handleGetInventory)

	r.Post("/webhooks/{provider}", s.handleWebhook)

	r.Group(func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Post("/stats/{slug}/recalculate", s.handleRecalculateStats)
		admin.Post("/inventory/{slug}/recalculate", s.handleRecalculateInventory)
		admin.Post("/admin/recover-checkout", s.handleRecoverCheckout)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// requireAdmin gates the reconciliation surface behind the admin bearer key,
// compared by digest so timing reveals nothing.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := token.ParseBearer(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "admin bearer key required", nil)
			return
		}
		have := token.HashKey(key)
		if !hmac.Equal(have[:], s.adminKeyHash[:]) {
			httpx.WriteError(w, 403, "FORBIDDEN", "invalid admin key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerOrQueryToken accepts the magic-link token from the Authorization
// header or the token query parameter (magic links arrive as URLs).
func bearerOrQueryToken(r *http.Request) string {
	if tok, ok := token.ParseBearer(r.Header.Get("Authorization")); ok {
		return tok
	}
	return r.URL.Query().Get("token")
}
