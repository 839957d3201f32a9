package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrProductNotFound = errors.New("inventory: product not found")
	ErrProductInUse    = errors.New("inventory: product referenced by order lines")
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	ErrInvalidProduct  = errors.New("inventory: invalid product")
)

// ReleasedStatuses lists the order statuses whose lines no longer hold a reservation.
var ReleasedStatuses = []string{"CANCELED", "SHIPPED", "ERROR"}

type Product struct {
	ID             int64     `json:"id"`
	SKU            string    `json:"sku"`
	Name           string    `json:"name"`
	PictureURL     string    `json:"picture_url"`
	PhysicalStock  int       `json:"physical_stock"`
	AvailableStock int       `json:"available_stock"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Tx is the product-row view of a store transaction. LockProduct takes an
// exclusive row lock held until the transaction ends.
type Tx interface {
	LockProduct(ctx context.Context, id int64) (Product, error)
	ReservedQuantity(ctx context.Context, productID int64) (int, error)
	SaveStock(ctx context.Context, p Product) error
}

type Store interface {
	InStockTx(ctx context.Context, fn func(Tx) error) error
	Product(ctx context.Context, id int64) (Product, error)
	ProductBySKU(ctx context.Context, sku string) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	CreateProduct(ctx context.Context, p Product) (Product, error)
	DeleteProduct(ctx context.Context, id int64) error
}

// Validate checks the fields a caller may set on a new product.
func (p Product) Validate() error {
	if p.SKU == "" || p.Name == "" {
		return fmt.Errorf("%w: sku and name are required", ErrInvalidProduct)
	}
	if p.PhysicalStock < 0 {
		return fmt.Errorf("%w: physical_stock must not be negative", ErrInvalidProduct)
	}
	return nil
}
