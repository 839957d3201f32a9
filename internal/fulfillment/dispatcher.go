// Package fulfillment pushes local shipments to the remote platform.
package fulfillment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/orders"
	"github.com/ariefcatur/micro-oms/internal/shopify"
	"github.com/ariefcatur/micro-oms/internal/shops"
)

const (
	DefaultCarrier = "Other"
	defaultTimeout = 15 * time.Second
)

type Remote interface {
	OpenFulfillmentOrder(ctx context.Context, shop, token string, orderID int64) (*shopify.FulfillmentOrder, error)
	CreateFulfillment(ctx context.Context, shop, token string, req shopify.FulfillmentRequest) ([]shopify.UserError, error)
}

// Links is the part of the shop store the dispatcher reads.
type Links interface {
	OrderLinkFor(ctx context.Context, orderID int64) (shops.OrderLink, error)
	Config(ctx context.Context, id int64) (shops.Config, error)
}

type Deps struct {
	Links   Links
	Remote  Remote
	Logger  *zap.Logger
	Timeout time.Duration
}

// Dispatcher implements orders.Dispatcher. Every failure is logged and
// reported as false; nothing is retried.
type Dispatcher struct {
	links   Links
	remote  Remote
	logger  *zap.Logger
	timeout time.Duration
}

func New(deps Deps) (*Dispatcher, error) {
	if deps.Links == nil || deps.Remote == nil {
		return nil, errors.New("fulfillment: links and remote are required")
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		links:   deps.Links,
		remote:  deps.Remote,
		logger:  logging.OrNop(deps.Logger).Named("fulfillment"),
		timeout: timeout,
	}, nil
}

func (d *Dispatcher) Fulfill(ctx context.Context, o orders.Order, t orders.Tracking) bool {
	log := d.logger.With(zap.Int64("order_id", o.ID), zap.String("reference", o.Reference))

	link, err := d.links.OrderLinkFor(ctx, o.ID)
	if errors.Is(err, shops.ErrNotFound) {
		log.Warn("order has no remote link, fulfillment not sent")
		return false
	}
	if err != nil {
		log.Error("load order link", zap.Error(err))
		return false
	}
	cfg, err := d.links.Config(ctx, link.ConfigID)
	if err != nil {
		log.Error("load shop config", zap.Int64("config_id", link.ConfigID), zap.Error(err))
		return false
	}
	log = log.With(zap.String("shop", cfg.ShopURL), zap.Int64("remote_order_id", link.RemoteOrderID))

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	fo, err := d.remote.OpenFulfillmentOrder(ctx, cfg.ShopURL, cfg.AccessToken, link.RemoteOrderID)
	if err != nil {
		log.Error("query open fulfillment order", zap.Error(err))
		return false
	}
	if fo == nil {
		log.Warn("no open fulfillment order on remote")
		return false
	}

	var items []shopify.FulfillmentLineItem
	for _, li := range fo.LineItems {
		if li.RemainingQuantity > 0 {
			items = append(items, li)
		}
	}
	if len(items) == 0 {
		log.Warn("open fulfillment order has nothing left to fulfil", zap.String("fulfillment_order_id", fo.ID))
		return false
	}

	userErrs, err := d.remote.CreateFulfillment(ctx, cfg.ShopURL, cfg.AccessToken, shopify.FulfillmentRequest{
		FulfillmentOrderID: fo.ID,
		LineItems:          items,
		NotifyCustomer:     true,
		Tracking:           trackingInfo(t),
	})
	if err != nil {
		log.Error("create fulfillment", zap.Error(err))
		return false
	}
	if len(userErrs) > 0 {
		msgs := make([]string, 0, len(userErrs))
		for _, e := range userErrs {
			msgs = append(msgs, e.String())
		}
		log.Error("remote rejected fulfillment", zap.Strings("user_errors", msgs))
		return false
	}

	log.Info("fulfillment created", zap.String("fulfillment_order_id", fo.ID), zap.Int("line_items", len(items)))
	return true
}

func trackingInfo(t orders.Tracking) *shopify.TrackingInfo {
	if t == (orders.Tracking{}) {
		return nil
	}
	company := t.Carrier
	if company == "" {
		company = DefaultCarrier
	}
	return &shopify.TrackingInfo{Number: t.Number, Company: company, URL: t.URL}
}

var _ orders.Dispatcher = (*Dispatcher)(nil)
