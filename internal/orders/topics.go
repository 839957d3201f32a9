package orders

import "strconv"

const (
	TopicOrderUpserted      = "oms.order.upserted"
	TopicOrderStatusChanged = "oms.order.status_changed"
)

// PartitionKey keeps every event of one order on the same partition, in order.
func PartitionKey(orderID int64) string { return strconv.FormatInt(orderID, 10) }
