// Package notify is the boundary to the outbound mail dispatcher. The engine
// emits structured events; rendering and delivery live elsewhere. Emission is
// fire-and-forget: a dispatcher failure never rolls back the committed pledge
// state that produced the event.
package notify

import (
	"context"

	"go.uber.org/zap"
)

const (
	PledgeCreated     = "pledge.created"
	PledgeModified    = "pledge.modified"
	PledgeCancelled   = "pledge.cancelled"
	PledgeCharged     = "pledge.charged"
	PledgeFailed      = "pledge.failed"
	MilestoneCrossed  = "milestone.crossed"
	CheckoutRecovered = "checkout.recovered"
)

type Event struct {
	Type         string         `json:"type"`
	CampaignSlug string         `json:"campaign_slug"`
	OrderID      string         `json:"order_id,omitempty"`
	Email        string         `json:"email,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// LogEmitter writes events to the structured log. Deployments swap in a real
// dispatcher client; the engine contract is identical.
type LogEmitter struct {
	Log *zap.Logger
}

func (e *LogEmitter) Emit(_ context.Context, ev Event) {
	e.Log.Info("notification event",
		zap.String("type", ev.Type),
		zap.String("campaign", ev.CampaignSlug),
		zap.String("order_id", ev.OrderID),
		zap.Any("data", ev.Data),
	)
}

// Multi fans one event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}
