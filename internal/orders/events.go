package orders

import (
	"context"
	"time"
)

const (
	EventOrderUpserted      = "OrderUpserted"
	EventOrderStatusChanged = "OrderStatusChanged"
)

// EventPublisher emits domain events; delivery is fire-and-forget.
type EventPublisher interface {
	Emit(ctx context.Context, topic, eventType, key string, payload any)
}

type LinePayload struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type OrderUpsertedPayload struct {
	OrderID   int64         `json:"order_id"`
	Reference string        `json:"reference"`
	Status    Status        `json:"status"`
	Created   bool          `json:"created"`
	Lines     []LinePayload `json:"lines"`
}

type OrderStatusChangedPayload struct {
	OrderID    int64     `json:"order_id"`
	Reference  string    `json:"reference"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Action     Action    `json:"action,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func linePayloads(lines []Line) []LinePayload {
	out := make([]LinePayload, 0, len(lines))
	for _, l := range lines {
		out = append(out, LinePayload{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice.StringFixed(2)})
	}
	return out
}
