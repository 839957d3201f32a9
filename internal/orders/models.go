package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/micro-oms/internal/inventory"
)

type Address struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Street      string `json:"street"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code"`
}

type Order struct {
	ID              int64     `json:"id"`
	Reference       string    `json:"reference"`
	CustomerEmail   string    `json:"customer_email"`
	Status          Status    `json:"status"`
	ShippingAddress Address   `json:"shipping_address"`
	Lines           []Line    `json:"order_lines"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Line struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	SKU       string          `json:"sku,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Total is the sum of unit price times quantity over all lines.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total
}

// ProductIDs returns the distinct products referenced by the lines, in line order.
func (o Order) ProductIDs() []int64 {
	seen := make(map[int64]bool, len(o.Lines))
	out := make([]int64, 0, len(o.Lines))
	for _, l := range o.Lines {
		if !seen[l.ProductID] {
			seen[l.ProductID] = true
			out = append(out, l.ProductID)
		}
	}
	return out
}

// Tracking is the optional shipment information pushed upstream on ship.
type Tracking struct {
	Carrier string `json:"carrier,omitempty"`
	Number  string `json:"number,omitempty"`
	URL     string `json:"url,omitempty"`
}

type ListFilter struct {
	Statuses  []Status
	Reference string
	Limit     int
}

// Tx is a store transaction scoped to one order aggregate. Lock* methods take
// exclusive locks held until the transaction ends; order locks come before product locks.
type Tx interface {
	inventory.Tx

	LockOrder(ctx context.Context, id int64) (Order, error)
	// LockOrderByReference also serialises callers racing on a reference that does not exist yet.
	LockOrderByReference(ctx context.Context, reference string) (Order, error)
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	SetStatus(ctx context.Context, id int64, status Status) error
}

type Store interface {
	InOrderTx(ctx context.Context, fn func(Tx) error) error
	Order(ctx context.Context, id int64) (Order, error)
	OrderByReference(ctx context.Context, reference string) (Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, error)
}

// Dispatcher pushes a local shipment to the remote platform. It reports
// success as a boolean and never fails the caller.
type Dispatcher interface {
	Fulfill(ctx context.Context, o Order, t Tracking) bool
}

// StockLedger is the part of the inventory ledger order transitions rely on.
type StockLedger interface {
	DecrementPhysicalTx(ctx context.Context, tx inventory.Tx, productID int64, qty int) error
	MarkDirty(ctx context.Context, ids ...int64)
}
