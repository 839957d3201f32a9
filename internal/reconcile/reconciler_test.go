package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/memstore"
	"github.com/ariefcatur/micro-oms/internal/orders"
	"github.com/ariefcatur/micro-oms/internal/shopify"
	"github.com/ariefcatur/micro-oms/internal/shops"
)

type stubRemote struct {
	mu     sync.Mutex
	orders map[string][]shopify.Order
	errs   map[string]error
	since  map[string][]time.Time
}

func newStubRemote() *stubRemote {
	return &stubRemote{orders: map[string][]shopify.Order{}, errs: map[string]error{}, since: map[string][]time.Time{}}
}

func (s *stubRemote) ListOrders(_ context.Context, shop, _ string, since time.Time) ([]shopify.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since[shop] = append(s.since[shop], since)
	if err := s.errs[shop]; err != nil {
		return nil, err
	}
	return s.orders[shop], nil
}

type fixture struct {
	store  *memstore.Store
	remote *stubRemote
	rec    *Reconciler
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		remote: newStubRemote(),
		now:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	ledger, err := inventory.NewLedger(inventory.LedgerDeps{Store: f.store, Dirty: inventory.NewMemoryDirtySet()})
	require.NoError(t, err)
	manager, err := orders.NewManager(orders.ManagerDeps{Store: f.store, Ledger: ledger})
	require.NoError(t, err)
	f.rec, err = New(Deps{
		Shops:    f.store,
		Products: f.store,
		Orders:   manager,
		Remote:   f.remote,
		Locker:   NewLocalLocker(),
		Clock:    func() time.Time { return f.now },
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) shop(t *testing.T, url string) shops.Config {
	t.Helper()
	c, err := f.store.UpsertConfig(context.Background(), shops.Config{ShopURL: url, AccessToken: "tok", Active: true})
	require.NoError(t, err)
	return c
}

func (f *fixture) product(t *testing.T, sku string) inventory.Product {
	t.Helper()
	p, err := f.store.CreateProduct(context.Background(), inventory.Product{SKU: sku, Name: sku, PhysicalStock: 50})
	require.NoError(t, err)
	return p
}

func ptr[T any](v T) *T { return &v }

func remoteOrder(id, number int64, financial string, items ...shopify.LineItem) shopify.Order {
	return shopify.Order{
		ID:              id,
		OrderNumber:     number,
		Email:           "buyer@example.com",
		FinancialStatus: financial,
		LineItems:       items,
		ShippingAddress: &shopify.Address{Name: "Jane", Address1: "1 Rue", Zip: "75001", CountryCode: "FR"},
	}
}

func item(sku string, qty int, price string) shopify.LineItem {
	return shopify.LineItem{SKU: sku, Quantity: qty, Price: decimal.RequireFromString(price)}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestSyncBatchWithOneUnknownSKU(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := f.shop(t, "a.myshopify.com")
	p1 := f.product(t, "SKU-1")
	p2 := f.product(t, "SKU-2")

	f.remote.orders["a.myshopify.com"] = []shopify.Order{
		remoteOrder(11, 1001, "paid", item("SKU-1", 2, "10.00")),
		remoteOrder(12, 1002, "pending", item("SKU-1", 1, "10.00"), item("GHOST", 1, "3.00")),
		remoteOrder(13, 1003, "pending", item("SKU-2", 3, "4.50")),
		remoteOrder(14, 1004, "partially_paid", item("SKU-1", 1, "10.00"), item("SKU-2", 1, "4.50")),
	}

	stats, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Created: 4}, stats)

	bad, err := f.store.OrderByReference(ctx, "1002")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusError, bad.Status)
	assert.Empty(t, bad.Lines)

	o1, err := f.store.OrderByReference(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusToBePrepared, o1.Status)
	require.Len(t, o1.Lines, 1)
	assert.Equal(t, p1.ID, o1.Lines[0].ProductID)
	assert.Equal(t, 2, o1.Lines[0].Quantity)
	assert.Equal(t, "10.00", o1.Lines[0].UnitPrice.StringFixed(2))

	o3, err := f.store.OrderByReference(ctx, "1003")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusWaitingPayment, o3.Status)
	require.Len(t, o3.Lines, 1)
	assert.Equal(t, p2.ID, o3.Lines[0].ProductID)

	o4, err := f.store.OrderByReference(ctx, "1004")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusToBePrepared, o4.Status)
	assert.Len(t, o4.Lines, 2)

	link, err := f.store.OrderLinkFor(ctx, o4.ID)
	require.NoError(t, err)
	assert.Equal(t, shops.OrderLink{ConfigID: cfg.ID, OrderID: o4.ID, RemoteOrderID: 14}, link)
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := f.shop(t, "a.myshopify.com")
	f.product(t, "SKU-1")
	f.remote.orders["a.myshopify.com"] = []shopify.Order{
		remoteOrder(11, 1001, "paid", item("SKU-1", 2, "10.00")),
		remoteOrder(12, 1002, "pending", item("SKU-1", 1, "10.00")),
	}

	_, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	stats, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 2}, stats)

	all, err := f.store.ListOrders(ctx, orders.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSyncWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := f.shop(t, "a.myshopify.com")

	_, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)

	cfg, err = f.store.Config(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, cfg.LastSyncAt)
	assert.Equal(t, f.now, *cfg.LastSyncAt)

	f.now = f.now.Add(5 * time.Minute)
	_, err = f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)

	since := f.remote.since["a.myshopify.com"]
	require.Len(t, since, 2)
	assert.Equal(t, f.now.Add(-5*time.Minute).Add(-DefaultLookback), since[0])
	assert.Equal(t, f.now.Add(-6*time.Minute), since[1])
}

func TestSyncIsolatesOrderFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := f.shop(t, "a.myshopify.com")
	f.product(t, "SKU-1")
	f.remote.orders["a.myshopify.com"] = []shopify.Order{
		remoteOrder(11, 1001, "paid", item("SKU-1", 0, "10.00")),
		remoteOrder(12, 1002, "paid", item("SKU-1", 1, "10.00")),
	}

	stats, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Created: 1, Failed: 1}, stats)

	cfg, err = f.store.Config(ctx, cfg.ID)
	require.NoError(t, err)
	assert.NotNil(t, cfg.LastSyncAt, "sync state advances despite a failed order")
}

func TestSyncSkipsShippedOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := f.shop(t, "a.myshopify.com")
	f.product(t, "SKU-1")

	shipped := remoteOrder(11, 1001, "paid", item("SKU-1", 1, "10.00"))
	shipped.FulfillmentStatus = ptr("fulfilled")
	f.remote.orders["a.myshopify.com"] = []shopify.Order{shipped}

	_, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	stats, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1}, stats)
}

func TestSyncInfersShipmentAndDecrementsStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := f.shop(t, "a.myshopify.com")
	p := f.product(t, "SKU-1")

	ro := remoteOrder(11, 1001, "paid", item("SKU-1", 4, "10.00"))
	f.remote.orders["a.myshopify.com"] = []shopify.Order{ro}
	_, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)

	ro.FulfillmentStatus = ptr("fulfilled")
	f.remote.orders["a.myshopify.com"] = []shopify.Order{ro}
	stats, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1}, stats)

	got, err := f.store.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 46, got.PhysicalStock)
}

func TestSyncHealsErrorOrderOnceSKUExists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := f.shop(t, "a.myshopify.com")
	f.remote.orders["a.myshopify.com"] = []shopify.Order{remoteOrder(11, 1001, "paid", item("LATE", 1, "1.00"))}

	_, err := f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	o, err := f.store.OrderByReference(ctx, "1001")
	require.NoError(t, err)
	require.Equal(t, orders.StatusError, o.Status)

	f.product(t, "LATE")
	_, err = f.rec.SyncStoreOrders(ctx, cfg)
	require.NoError(t, err)
	o, err = f.store.OrderByReference(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusToBePrepared, o.Status)
	assert.Len(t, o.Lines, 1)
}

func TestSyncAllIsolatesShops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.shop(t, "a.myshopify.com")
	broken := f.shop(t, "b.myshopify.com")
	inactive, err := f.store.UpsertConfig(ctx, shops.Config{ShopURL: "c.myshopify.com", AccessToken: "tok"})
	require.NoError(t, err)
	f.product(t, "SKU-1")

	f.remote.orders["a.myshopify.com"] = []shopify.Order{remoteOrder(11, 1001, "paid", item("SKU-1", 1, "1.00"))}
	f.remote.errs["b.myshopify.com"] = &shopify.APIError{Status: 401, Body: "unauthorized"}

	res, err := f.rec.SyncAllActiveShops(ctx)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, Stats{Created: 1}, res["a.myshopify.com"])
	assert.Equal(t, 0, res["b.myshopify.com"].Created)
	assert.Contains(t, res["b.myshopify.com"].Error, "401")
	assert.NotContains(t, res, inactive.ShopURL)

	broken, err = f.store.Config(ctx, broken.ID)
	require.NoError(t, err)
	assert.Nil(t, broken.LastSyncAt, "failed fetch keeps the old window")
}

func TestSyncSkipsShopAlreadySyncing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := f.shop(t, "a.myshopify.com")

	release, ok, err := f.rec.locker.TryLock(ctx, lockKey(cfg), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, err = f.rec.SyncStoreOrders(ctx, cfg)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	res, err := f.rec.SyncAllActiveShops(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Error: "sync already in progress"}, res["a.myshopify.com"])
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		name       string
		order      shopify.Order
		unresolved bool
		want       orders.Status
	}{
		{"paid and fulfilled", shopify.Order{FinancialStatus: "paid", FulfillmentStatus: ptr("fulfilled")}, false, orders.StatusShipped},
		{"cancelled wins over payment", shopify.Order{FinancialStatus: "paid", CancelledAt: ptr(time.Now())}, false, orders.StatusCanceled},
		{"partially paid", shopify.Order{FinancialStatus: "partially_paid"}, false, orders.StatusToBePrepared},
		{"partially fulfilled and paid", shopify.Order{FinancialStatus: "paid", FulfillmentStatus: ptr("partial")}, false, orders.StatusToBePrepared},
		{"no markers", shopify.Order{FinancialStatus: "pending"}, false, orders.StatusWaitingPayment},
		{"unresolved wins", shopify.Order{FinancialStatus: "paid", CancelledAt: ptr(time.Now())}, true, orders.StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MapStatus(tc.order, tc.unresolved))
		})
	}
}

func TestMapOrderDefaults(t *testing.T) {
	f := newFixture(t)
	in, err := f.rec.mapOrder(context.Background(), shopify.Order{OrderNumber: 7})
	require.NoError(t, err)
	assert.Equal(t, "7", in.Reference)
	assert.Equal(t, "no-email@example.com", in.CustomerEmail)
	assert.Equal(t, orders.Address{Name: "Unknown", CountryCode: "FR"}, in.ShippingAddress)
	assert.Equal(t, orders.StatusWaitingPayment, in.Status)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	release, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
