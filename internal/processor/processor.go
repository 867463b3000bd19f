// Package processor is the outbound boundary to the payment processor's
// hosted checkout. The engine only needs a redirect URL; everything after
// that comes back through webhooks.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var ErrUnavailable = errors.New("payment processor unavailable")

type CheckoutRequest struct {
	OrderID      string
	CampaignSlug string
	Email        string
	AmountCents  int64
}

type Client interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (redirectURL string, err error)
}

// HostedCheckout builds redirect URLs for a hosted checkout page that owns
// the processor session itself (the checkout widget is an external
// collaborator; its base URL is configuration).
type HostedCheckout struct {
	BaseURL string
}

func (h *HostedCheckout) CreateCheckout(_ context.Context, req CheckoutRequest) (string, error) {
	if h.BaseURL == "" {
		return "", fmt.Errorf("%w: checkout base url not configured", ErrUnavailable)
	}
	q := url.Values{}
	q.Set("order", req.OrderID)
	q.Set("campaign", req.CampaignSlug)
	q.Set("amount", fmt.Sprintf("%d", req.AmountCents))
	return h.BaseURL + "/checkout?" + q.Encode(), nil
}
