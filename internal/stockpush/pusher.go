// Package stockpush mirrors local available stock to every active remote shop.
package stockpush

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/kafka"
	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/shopify"
	"github.com/ariefcatur/micro-oms/internal/shops"
)

const defaultTimeout = 15 * time.Second

var (
	errNoVariant  = errors.New("no remote variant carries the sku")
	errNoLocation = errors.New("shop has no stock location")
)

type Remote interface {
	InventoryItemID(ctx context.Context, shop, token, sku string) (int64, error)
	FirstLocationID(ctx context.Context, shop, token string) (int64, error)
	SetAvailableQuantity(ctx context.Context, shop, token string, inventoryItemID, locationID int64, qty int) ([]shopify.UserError, error)
}

type ProductReader interface {
	Product(ctx context.Context, id int64) (inventory.Product, error)
}

type Deps struct {
	Shops    shops.Store
	Products ProductReader
	Remote   Remote
	Logger   *zap.Logger
	Timeout  time.Duration
}

// Result counts the shops a push reached.
type Result struct {
	Pushed int `json:"pushed"`
	Failed int `json:"failed"`
}

type Pusher struct {
	shops    shops.Store
	products ProductReader
	remote   Remote
	logger   *zap.Logger
	timeout  time.Duration
}

func New(deps Deps) (*Pusher, error) {
	if deps.Shops == nil || deps.Products == nil || deps.Remote == nil {
		return nil, errors.New("stockpush: shops, products and remote are required")
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Pusher{
		shops:    deps.Shops,
		products: deps.Products,
		remote:   deps.Remote,
		logger:   logging.OrNop(deps.Logger).Named("stockpush"),
		timeout:  timeout,
	}, nil
}

// PushProduct sets the product's available stock on every active shop. Shop
// failures are logged and counted. The error covers local lookups only.
func (p *Pusher) PushProduct(ctx context.Context, productID int64) (Result, error) {
	prod, err := p.products.Product(ctx, productID)
	if err != nil {
		return Result{}, fmt.Errorf("load product %d: %w", productID, err)
	}
	configs, err := p.shops.ActiveConfigs(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list active shops: %w", err)
	}

	var res Result
	for _, cfg := range configs {
		log := p.logger.With(zap.String("shop", cfg.ShopURL), zap.String("sku", prod.SKU))
		if err := p.pushToShop(ctx, cfg, prod); err != nil {
			res.Failed++
			log.Error("stock push failed", zap.Error(err))
			continue
		}
		res.Pushed++
		log.Info("stock pushed", zap.Int("available", prod.AvailableStock))
	}
	return res, nil
}

func (p *Pusher) pushToShop(ctx context.Context, cfg shops.Config, prod inventory.Product) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	link, err := p.ensureLink(ctx, cfg, prod)
	if err != nil {
		return err
	}
	loc, err := p.ensureLocation(ctx, cfg)
	if err != nil {
		return err
	}
	userErrs, err := p.remote.SetAvailableQuantity(ctx, cfg.ShopURL, cfg.AccessToken, link.InventoryItemID, loc, prod.AvailableStock)
	if err != nil {
		return err
	}
	if len(userErrs) > 0 {
		return fmt.Errorf("remote rejected quantity: %s", userErrs[0])
	}
	return nil
}

// ensureLink returns the stored product link, resolving and saving it on first use.
func (p *Pusher) ensureLink(ctx context.Context, cfg shops.Config, prod inventory.Product) (shops.ProductLink, error) {
	link, err := p.shops.ProductLink(ctx, cfg.ID, prod.ID)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, shops.ErrNotFound) {
		return shops.ProductLink{}, fmt.Errorf("load product link: %w", err)
	}
	itemID, err := p.remote.InventoryItemID(ctx, cfg.ShopURL, cfg.AccessToken, prod.SKU)
	if err != nil {
		return shops.ProductLink{}, err
	}
	if itemID == 0 {
		return shops.ProductLink{}, errNoVariant
	}
	return p.shops.CreateProductLink(ctx, shops.ProductLink{ConfigID: cfg.ID, ProductID: prod.ID, InventoryItemID: itemID})
}

func (p *Pusher) ensureLocation(ctx context.Context, cfg shops.Config) (int64, error) {
	if cfg.LocationID != 0 {
		return cfg.LocationID, nil
	}
	loc, err := p.remote.FirstLocationID(ctx, cfg.ShopURL, cfg.AccessToken)
	if err != nil {
		return 0, err
	}
	if loc == 0 {
		return 0, errNoLocation
	}
	if err := p.shops.SetLocationID(ctx, cfg.ID, loc); err != nil {
		return 0, fmt.Errorf("cache location: %w", err)
	}
	return loc, nil
}

// HandleStockChanged is a kafka.Handler for stock change events. Undecodable
// messages and deleted products are logged and acknowledged.
func (p *Pusher) HandleStockChanged(ctx context.Context, m kafkago.Message) error {
	env, err := kafka.UnmarshalEnvelope(m.Value)
	if err != nil {
		p.logger.Warn("skip undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.Type != inventory.EventStockChanged {
		return nil
	}
	payload, err := kafka.UnwrapPayload[inventory.StockChangedPayload](env.Payload)
	if err != nil {
		p.logger.Warn("skip undecodable payload", zap.String("event_id", env.ID), zap.Error(err))
		return nil
	}
	_, err = p.PushProduct(ctx, payload.ProductID)
	if errors.Is(err, inventory.ErrProductNotFound) {
		p.logger.Info("product gone, nothing to push", zap.Int64("product_id", payload.ProductID))
		return nil
	}
	return err
}
