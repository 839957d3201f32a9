package inventory

import "context"

const (
	TopicStockChanged = "oms.inventory.stock_changed"
	EventStockChanged = "StockChanged"
)

type StockChangedPayload struct {
	ProductID      int64  `json:"product_id"`
	SKU            string `json:"sku"`
	PhysicalStock  int    `json:"physical_stock"`
	AvailableStock int    `json:"available_stock"`
}

// EventPublisher emits domain events; delivery is fire-and-forget.
type EventPublisher interface {
	Emit(ctx context.Context, topic, eventType, key string, payload any)
}
