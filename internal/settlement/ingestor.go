// Package settlement turns payment-processor events into pledge
// transitions. Delivery is at-least-once: every event carries a
// processor-assigned id and the ingestor claims it with a put-if-absent
// receipt, so replays of an absorbed event land as no-op successes while a
// rejected delivery leaves no trace and stays retryable.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aindaco1/pool-sub001/internal/kv"
	"github.com/aindaco1/pool-sub001/internal/ledger"
	"github.com/aindaco1/pool-sub001/internal/pledge"
)

type EventKind string

const (
	SetupSucceeded  EventKind = "setup_succeeded"
	SetupFailed     EventKind = "setup_failed"
	ChargeSucceeded EventKind = "charge_succeeded"
	ChargeFailed    EventKind = "charge_failed"
	Cancelled       EventKind = "cancelled"
	// MethodUpdated signals the backer saved a new payment method; a
	// payment_failed pledge re-enters active for another attempt.
	MethodUpdated EventKind = "method_updated"
)

var (
	ErrUnknownEventType = errors.New("unrecognized processor event type")
	ErrMissingEventID   = errors.New("processor event id is required")
	ErrMissingOrderID   = errors.New("event does not reference an order")
)

type Event struct {
	ID       string
	Provider string
	Kind     EventKind
	OrderID  string
	Refs     pledge.ProcessorRefs
}

type Outcome struct {
	Duplicate bool   `json:"duplicate"`
	Applied   bool   `json:"applied"`
	OrderID   string `json:"order_id,omitempty"`
}

func receiptKey(provider, eventID string) string {
	return "event:" + provider + ":" + eventID
}

type receipt struct {
	OrderID    string    `json:"order_id,omitempty"`
	Kind       EventKind `json:"kind"`
	ReceivedAt time.Time `json:"received_at"`
}

type Ingestor struct {
	receipts kv.Store
	ledger   *ledger.Ledger
	log      *zap.Logger
	now      func() time.Time
}

func NewIngestor(receipts kv.Store, l *ledger.Ledger, log *zap.Logger) *Ingestor {
	return &Ingestor{receipts: receipts, ledger: l, log: log, now: time.Now}
}

// Apply runs one event through the state machine. The put-if-absent dedupe
// receipt claims the event id, so a replayed id short-circuits to success
// without touching the pledge. A receipt only survives a delivery the
// pledge actually absorbed: when the repository guards reject the
// transition the claim is released again, and a later redelivery (after
// the prerequisite event has arrived) gets a fresh attempt instead of
// being swallowed as a duplicate.
func (in *Ingestor) Apply(ctx context.Context, ev Event) (Outcome, error) {
	if ev.ID == "" {
		return Outcome{}, ErrMissingEventID
	}
	if ev.OrderID == "" {
		return Outcome{}, ErrMissingOrderID
	}
	raw, err := json.Marshal(receipt{OrderID: ev.OrderID, Kind: ev.Kind, ReceivedAt: in.now().UTC()})
	if err != nil {
		return Outcome{}, err
	}
	key := receiptKey(ev.Provider, ev.ID)
	if err := in.receipts.Create(ctx, key, raw); err != nil {
		if errors.Is(err, kv.ErrExists) {
			in.log.Info("duplicate processor event",
				zap.String("provider", ev.Provider),
				zap.String("event_id", ev.ID),
			)
			return Outcome{Duplicate: true, OrderID: ev.OrderID}, nil
		}
		return Outcome{}, err
	}
	out, err := in.dispatch(ctx, ev)
	if err != nil {
		if delErr := in.receipts.Delete(ctx, key); delErr != nil {
			// The event id stays claimed and further replays will no-op;
			// the pledge itself is untouched, so a manual recalculation
			// can still reconcile.
			in.log.Error("failed to release receipt for rejected event",
				zap.String("provider", ev.Provider),
				zap.String("event_id", ev.ID),
				zap.Error(delErr),
			)
		}
		return Outcome{}, err
	}
	return out, nil
}

func (in *Ingestor) dispatch(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Kind {
	case SetupSucceeded:
		_, changed, err := in.ledger.Confirm(ctx, ev.OrderID, ev.Refs)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: changed, OrderID: ev.OrderID}, nil
	case SetupFailed, Cancelled:
		_, err := in.ledger.Cancel(ctx, ev.OrderID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: true, OrderID: ev.OrderID}, nil
	case ChargeSucceeded:
		if _, err := in.ledger.MarkCharged(ctx, ev.OrderID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: true, OrderID: ev.OrderID}, nil
	case ChargeFailed:
		if _, err := in.ledger.MarkFailed(ctx, ev.OrderID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: true, OrderID: ev.OrderID}, nil
	case MethodUpdated:
		_, err := in.ledger.Retry(ctx, ev.OrderID, ev.Refs)
		if err != nil {
			// A method update on a pledge that never failed is benign.
			if errors.Is(err, pledge.ErrInvalidState) {
				return Outcome{OrderID: ev.OrderID}, nil
			}
			return Outcome{}, err
		}
		return Outcome{Applied: true, OrderID: ev.OrderID}, nil
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Kind)
	}
}

// processorEnvelope matches the relevant slice of a Stripe-style event body.
type processorEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			Customer      string `json:"customer"`
			PaymentMethod string `json:"payment_method"`
			Metadata      struct {
				OrderID string `json:"order_id"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
	// Flat fields sent by generic providers.
	OrderID string `json:"order_id"`
}

// kindForType maps processor event names onto state-machine transitions.
var kindForType = map[string]EventKind{
	"setup_intent.succeeded":        SetupSucceeded,
	"setup_intent.setup_failed":     SetupFailed,
	"checkout.session.expired":      Cancelled,
	"payment_intent.succeeded":      ChargeSucceeded,
	"payment_intent.payment_failed": ChargeFailed,
	"payment_method.attached":       MethodUpdated,

	// Generic providers may send our kinds directly.
	string(SetupSucceeded):  SetupSucceeded,
	string(SetupFailed):     SetupFailed,
	string(Cancelled):       Cancelled,
	string(ChargeSucceeded): ChargeSucceeded,
	string(ChargeFailed):    ChargeFailed,
	string(MethodUpdated):   MethodUpdated,
}

// FromProcessor decodes a verified webhook body into an Event. eventID and
// eventType, when already extracted by the signature verifier, win over the
// body's fields.
func FromProcessor(provider, eventID, eventType string, rawBody []byte) (Event, error) {
	var env processorEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return Event{}, fmt.Errorf("decode event body: %w", err)
	}
	if eventID == "" {
		eventID = strings.TrimSpace(env.ID)
	}
	if eventType == "" || eventType == "unknown" {
		eventType = strings.TrimSpace(env.Type)
	}
	kind, ok := kindForType[eventType]
	if !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	orderID := env.Data.Object.Metadata.OrderID
	if orderID == "" {
		orderID = env.OrderID
	}
	ev := Event{
		ID:       eventID,
		Provider: provider,
		Kind:     kind,
		OrderID:  orderID,
		Refs: pledge.ProcessorRefs{
			CustomerID:      env.Data.Object.Customer,
			PaymentMethodID: env.Data.Object.PaymentMethod,
		},
	}
	if kind == SetupSucceeded {
		ev.Refs.SetupIntentID = env.Data.Object.ID
	}
	if ev.ID == "" {
		return Event{}, ErrMissingEventID
	}
	if ev.OrderID == "" {
		return Event{}, ErrMissingOrderID
	}
	return ev, nil
}
