// Package reconcile pulls remote orders and applies them to local state
// through the order lifecycle manager.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/orders"
	"github.com/ariefcatur/micro-oms/internal/shopify"
	"github.com/ariefcatur/micro-oms/internal/shops"
)

const (
	DefaultLookback = 30 * 24 * time.Hour
	// syncOverlap re-reads the tail of the previous window.
	syncOverlap = time.Minute

	defaultEmail   = "no-email@example.com"
	defaultName    = "Unknown"
	defaultCountry = "FR"
	defaultLockTTL = 10 * time.Minute
)

var ErrSyncInProgress = errors.New("sync already in progress")

// Stats is the outcome of one shop's sync.
type Stats struct {
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped,omitempty"`
	Failed  int    `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

type RemoteOrders interface {
	ListOrders(ctx context.Context, shop, token string, since time.Time) ([]shopify.Order, error)
}

type OrderUpserter interface {
	CreateOrUpdate(ctx context.Context, in orders.UpsertInput) (orders.UpsertResult, error)
}

type ProductLookup interface {
	ProductBySKU(ctx context.Context, sku string) (inventory.Product, error)
}

// Locker guards a shop against overlapping sync runs.
type Locker interface {
	// TryLock returns acquired=false without error when key is already held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

type Deps struct {
	Shops    shops.Store
	Products ProductLookup
	Orders   OrderUpserter
	Remote   RemoteOrders
	Locker   Locker
	Logger   *zap.Logger
	Clock    func() time.Time

	DefaultCountryCode string
	LockTTL            time.Duration
}

type Reconciler struct {
	shops    shops.Store
	products ProductLookup
	orders   OrderUpserter
	remote   RemoteOrders
	locker   Locker
	logger   *zap.Logger
	now      func() time.Time
	country  string
	lockTTL  time.Duration
}

func New(deps Deps) (*Reconciler, error) {
	switch {
	case deps.Shops == nil:
		return nil, errors.New("reconcile: shop store is required")
	case deps.Products == nil:
		return nil, errors.New("reconcile: product lookup is required")
	case deps.Orders == nil:
		return nil, errors.New("reconcile: order upserter is required")
	case deps.Remote == nil:
		return nil, errors.New("reconcile: remote client is required")
	}
	r := &Reconciler{
		shops:    deps.Shops,
		products: deps.Products,
		orders:   deps.Orders,
		remote:   deps.Remote,
		locker:   deps.Locker,
		logger:   logging.OrNop(deps.Logger).Named("reconcile"),
		now:      deps.Clock,
		country:  strings.ToUpper(deps.DefaultCountryCode),
		lockTTL:  deps.LockTTL,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.country == "" {
		r.country = defaultCountry
	}
	if r.lockTTL <= 0 {
		r.lockTTL = defaultLockTTL
	}
	return r, nil
}

// SyncAllActiveShops syncs every active shop in turn. A failing shop is
// reported in its Stats and does not stop the others. The error is set only
// when the shop list itself cannot be read.
func (r *Reconciler) SyncAllActiveShops(ctx context.Context) (map[string]Stats, error) {
	configs, err := r.shops.ActiveConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active shops: %w", err)
	}
	out := make(map[string]Stats, len(configs))
	for _, cfg := range configs {
		stats, err := r.SyncStoreOrders(ctx, cfg)
		if err != nil {
			r.logger.Error("shop sync failed", zap.String("shop", cfg.ShopURL), zap.Error(err))
			stats = Stats{Error: err.Error()}
		}
		out[cfg.ShopURL] = stats
	}
	return out, nil
}

// SyncStoreOrders applies every remote order of cfg updated since the last
// sync. Order failures are counted and logged; last_sync_at moves forward as
// soon as the fetch succeeded.
func (r *Reconciler) SyncStoreOrders(ctx context.Context, cfg shops.Config) (Stats, error) {
	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, lockKey(cfg), r.lockTTL)
		if err != nil {
			return Stats{}, fmt.Errorf("acquire sync lock: %w", err)
		}
		if !ok {
			return Stats{}, ErrSyncInProgress
		}
		defer release()
	}

	startedAt := r.now()
	since := r.windowStart(cfg, startedAt)
	remote, err := r.remote.ListOrders(ctx, cfg.ShopURL, cfg.AccessToken, since)
	if err != nil {
		return Stats{}, err
	}

	log := r.logger.With(zap.String("shop", cfg.ShopURL))
	var stats Stats
	for _, ro := range remote {
		created, err := r.applyOrder(ctx, cfg, ro)
		switch {
		case errors.Is(err, orders.ErrInvalidTransition):
			stats.Skipped++
			log.Info("order not updatable, skipped",
				zap.String("reference", ro.Reference()), zap.Int64("remote_order_id", ro.ID), zap.Error(err))
		case err != nil:
			stats.Failed++
			log.Error("order sync failed",
				zap.String("reference", ro.Reference()), zap.Int64("remote_order_id", ro.ID), zap.Error(err))
		case created:
			stats.Created++
		default:
			stats.Updated++
		}
	}

	if err := r.shops.SaveSyncState(ctx, cfg.ID, startedAt); err != nil {
		return stats, fmt.Errorf("save sync state: %w", err)
	}
	log.Info("shop synced",
		zap.Int("fetched", len(remote)),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

func lockKey(cfg shops.Config) string {
	return "sync:shop:" + strconv.FormatInt(cfg.ID, 10)
}

func (r *Reconciler) windowStart(cfg shops.Config, now time.Time) time.Time {
	if cfg.LastSyncAt == nil {
		return now.Add(-DefaultLookback)
	}
	return cfg.LastSyncAt.Add(-syncOverlap)
}

func (r *Reconciler) applyOrder(ctx context.Context, cfg shops.Config, ro shopify.Order) (bool, error) {
	in, err := r.mapOrder(ctx, ro)
	if err != nil {
		return false, err
	}
	res, err := r.orders.CreateOrUpdate(ctx, in)
	if err != nil {
		return false, err
	}
	link := shops.OrderLink{ConfigID: cfg.ID, OrderID: res.Order.ID, RemoteOrderID: ro.ID}
	if err := r.shops.UpsertOrderLink(ctx, link); err != nil {
		return res.Created, fmt.Errorf("link order %d: %w", res.Order.ID, err)
	}
	return res.Created, nil
}

// mapOrder turns a remote order into upsert input. Any SKU without a local
// product empties the lines and forces ERROR.
func (r *Reconciler) mapOrder(ctx context.Context, ro shopify.Order) (orders.UpsertInput, error) {
	in := orders.UpsertInput{
		Reference:       ro.Reference(),
		CustomerEmail:   ro.Email,
		ShippingAddress: r.mapAddress(ro.ShippingAddress),
	}
	if in.CustomerEmail == "" {
		in.CustomerEmail = defaultEmail
	}

	resolved := true
	for _, li := range ro.LineItems {
		if li.SKU == "" {
			resolved = false
			break
		}
		p, err := r.products.ProductBySKU(ctx, li.SKU)
		if errors.Is(err, inventory.ErrProductNotFound) {
			r.logger.Warn("unknown sku on remote order",
				zap.String("reference", in.Reference), zap.String("sku", li.SKU))
			resolved = false
			break
		}
		if err != nil {
			return in, fmt.Errorf("look up sku %q: %w", li.SKU, err)
		}
		in.Lines = append(in.Lines, orders.LineInput{ProductID: p.ID, Quantity: li.Quantity, UnitPrice: li.Price})
	}

	in.Status = MapStatus(ro, !resolved)
	if in.Status == orders.StatusError {
		in.Lines = nil
	}
	return in, nil
}

func (r *Reconciler) mapAddress(a *shopify.Address) orders.Address {
	out := orders.Address{Name: defaultName, CountryCode: r.country}
	if a == nil {
		return out
	}
	out.Street = a.Address1
	out.PostalCode = a.Zip
	if a.Name != "" {
		out.Name = a.Name
	}
	if a.CountryCode != "" {
		out.CountryCode = a.CountryCode
	}
	return out
}

// MapStatus derives the local status of a remote order. The first matching rule wins:
// unresolved lines, cancellation, fulfilment, payment.
func MapStatus(ro shopify.Order, unresolved bool) orders.Status {
	switch {
	case unresolved:
		return orders.StatusError
	case ro.CancelledAt != nil:
		return orders.StatusCanceled
	case ro.FulfillmentStatus != nil && *ro.FulfillmentStatus == "fulfilled":
		return orders.StatusShipped
	case ro.FinancialStatus == "paid" || ro.FinancialStatus == "partially_paid":
		return orders.StatusToBePrepared
	default:
		return orders.StatusWaitingPayment
	}
}
