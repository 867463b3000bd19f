package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/settlement"
	"github.com/aindaco1/pool-sub001/pkg/httpx"
	"github.com/aindaco1/pool-sub001/pkg/webhooks"
)

// maxWebhookBody bounds the raw event payload we will read and HMAC.
const maxWebhookBody = 1 << 20

// handleWebhook receives processor deliveries. The signature is checked
// before anything in the body is trusted; a replayed event id acknowledges
// with 200 so the processor stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	secret, ok := s.webhookSecrets[provider]
	if !ok {
		httpx.WriteError(w, 404, "NOT_FOUND", "unknown webhook provider", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httpx.WriteError(w, 400, "BODY_READ", "could not read request body", nil)
		return
	}

	result, err := webhooks.ForProvider(provider).Verify(r.Header, body, time.Now(), secret)
	if err != nil || !result.Valid {
		s.log.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Any("details", result.Details),
		)
		httpx.WriteError(w, 401, "BAD_SIGNATURE", "webhook signature verification failed", nil)
		return
	}

	ev, err := settlement.FromProcessor(provider, result.ProviderEventID, result.EventType, body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	outcome, err := s.ingestor.Apply(r.Context(), ev)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 200, map[string]any{
		"received":  true,
		"duplicate": outcome.Duplicate,
		"applied":   outcome.Applied,
	})
}
