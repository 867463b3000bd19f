// Package webhooks verifies inbound payment-processor deliveries. The engine
// trusts an event only after its signature checks out against the endpoint
// secret; everything else about processing lives in internal/settlement.
package webhooks

import (
	"net/http"
	"time"
)

type VerificationResult struct {
	Valid           bool           `json:"valid"`
	Scheme          string         `json:"scheme"`
	Details         map[string]any `json:"details"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
	EventType       string         `json:"event_type,omitempty"`
}

type Verifier interface {
	Provider() string
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error)
}

// ForProvider picks the verification scheme for a processor. Stripe signs
// with its timestamped v1 scheme; anything else is expected to send a plain
// HMAC-SHA256 digest of the body.
func ForProvider(provider string) Verifier {
	if provider == "stripe" {
		return NewStripeV1Verifier(provider, DefaultStripeTolerance)
	}
	return NewGenericHMACVerifier(provider)
}
