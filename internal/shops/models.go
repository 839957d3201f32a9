package shops

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("shops: not found")

// Config is one connected remote shop.
type Config struct {
	ID          int64  `json:"id"`
	ShopURL     string `json:"shop_url"`
	AccessToken string `json:"-"`
	// LocationID caches the shop's stock location; 0 until first resolved.
	LocationID int64      `json:"location_id,omitempty"`
	Active     bool       `json:"active"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ProductLink maps a local product to the remote inventory item of one shop.
type ProductLink struct {
	ConfigID        int64
	ProductID       int64
	InventoryItemID int64
}

// OrderLink maps a local order to the remote order it was reconciled from.
type OrderLink struct {
	ConfigID      int64
	OrderID       int64
	RemoteOrderID int64
}

type Store interface {
	ActiveConfigs(ctx context.Context) ([]Config, error)
	Config(ctx context.Context, id int64) (Config, error)
	ConfigByShop(ctx context.Context, shopURL string) (Config, error)
	// UpsertConfig stores token and active flag keyed by shop URL; the cached
	// location and last sync time of an existing config are kept.
	UpsertConfig(ctx context.Context, c Config) (Config, error)
	SaveSyncState(ctx context.Context, id int64, at time.Time) error
	SetLocationID(ctx context.Context, id, locationID int64) error

	UpsertOrderLink(ctx context.Context, l OrderLink) error
	// OrderLinkFor returns the link of the oldest shop config the order is linked to.
	OrderLinkFor(ctx context.Context, orderID int64) (OrderLink, error)

	ProductLink(ctx context.Context, configID, productID int64) (ProductLink, error)
	// CreateProductLink keeps an existing pair untouched and returns what is stored.
	CreateProductLink(ctx context.Context, l ProductLink) (ProductLink, error)
}
