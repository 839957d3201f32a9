package orders_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/memstore"
	"github.com/ariefcatur/micro-oms/internal/orders"
)

type stubDispatcher struct {
	mu     sync.Mutex
	ok     bool
	calls  []orders.Order
	tracks []orders.Tracking
}

func (d *stubDispatcher) Fulfill(_ context.Context, o orders.Order, t orders.Tracking) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, o)
	d.tracks = append(d.tracks, t)
	return d.ok
}

type recordedEvent struct {
	Topic, Type, Key string
	Payload          any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Emit(_ context.Context, topic, eventType, key string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{topic, eventType, key, payload})
}

func (p *recordingPublisher) ofType(eventType string) []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store      *memstore.Store
	dirty      *inventory.MemoryDirtySet
	ledger     *inventory.Ledger
	dispatcher *stubDispatcher
	events     *recordingPublisher
	manager    *orders.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      memstore.New(),
		dirty:      inventory.NewMemoryDirtySet(),
		dispatcher: &stubDispatcher{ok: true},
		events:     &recordingPublisher{},
	}
	var err error
	f.ledger, err = inventory.NewLedger(inventory.LedgerDeps{Store: f.store, Dirty: f.dirty})
	require.NoError(t, err)
	f.manager, err = orders.NewManager(orders.ManagerDeps{
		Store:      f.store,
		Ledger:     f.ledger,
		Dispatcher: f.dispatcher,
		Events:     f.events,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) product(t *testing.T, sku string, physical int) inventory.Product {
	t.Helper()
	p, err := f.store.CreateProduct(context.Background(), inventory.Product{SKU: sku, Name: sku, PhysicalStock: physical})
	require.NoError(t, err)
	return p
}

func (f *fixture) order(t *testing.T, ref string, status orders.Status, lines ...orders.LineInput) orders.Order {
	t.Helper()
	res, err := f.manager.CreateOrUpdate(context.Background(), upsert(ref, status, lines...))
	require.NoError(t, err)
	return res.Order
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	d := inventory.NewDrainer(f.dirty, f.ledger, 100, nil)
	_, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
}

func upsert(ref string, status orders.Status, lines ...orders.LineInput) orders.UpsertInput {
	return orders.UpsertInput{
		Reference:     ref,
		CustomerEmail: "jane@example.com",
		ShippingAddress: orders.Address{
			Name: "Jane", Street: "1 rue de la Paix", PostalCode: "75002", CountryCode: "fr",
		},
		Lines:  lines,
		Status: status,
	}
}

func line(p inventory.Product, qty int, price string) orders.LineInput {
	return orders.LineInput{ProductID: p.ID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func TestNewManagerRequiresDeps(t *testing.T) {
	_, err := orders.NewManager(orders.ManagerDeps{})
	assert.Error(t, err)
	_, err = orders.NewManager(orders.ManagerDeps{Store: memstore.New()})
	assert.Error(t, err)
}

func TestCreateOrUpdateCreatesWithDefaultStatus(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "SKU-1", 10)

	res, err := f.manager.CreateOrUpdate(context.Background(), upsert("1001", "", line(p, 2, "9.99")))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, orders.StatusWaitingPayment, res.Order.Status)
	assert.Equal(t, "FR", res.Order.ShippingAddress.CountryCode)
	require.Len(t, res.Order.Lines, 1)
	assert.Equal(t, "19.98", res.Order.Total().StringFixed(2))
	assert.Equal(t, 1, f.dirty.Len())
}

func TestCreateOrUpdateSecondCallWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.product(t, "SKU-1", 10)
	p2 := f.product(t, "SKU-2", 10)

	first, err := f.manager.CreateOrUpdate(ctx, upsert("1001", orders.StatusToBePrepared, line(p1, 1, "5.00")))
	require.NoError(t, err)

	in := upsert("1001", "", line(p2, 4, "2.50"))
	in.CustomerEmail = "john@example.com"
	in.ShippingAddress = orders.Address{Name: "John", Street: "2 Main St", PostalCode: "10001", CountryCode: "US"}
	second, err := f.manager.CreateOrUpdate(ctx, in)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	all, err := f.manager.List(ctx, orders.ListFilter{Reference: "1001"})
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all[0]
	assert.Equal(t, "john@example.com", got.CustomerEmail)
	assert.Equal(t, "John", got.ShippingAddress.Name)
	assert.Equal(t, first.Order.ShippingAddress.ID, got.ShippingAddress.ID, "address is replaced in place")
	assert.Equal(t, orders.StatusToBePrepared, got.Status, "status untouched without explicit value")
	require.Len(t, got.Lines, 1)
	assert.Equal(t, p2.ID, got.Lines[0].ProductID)
	assert.Equal(t, 4, got.Lines[0].Quantity)
	assert.NotEqual(t, first.Order.Lines[0].ID, got.Lines[0].ID)
}

func TestCreateOrUpdateMarksPreviousAndNewProductsDirty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.product(t, "SKU-1", 10)
	p2 := f.product(t, "SKU-2", 10)

	f.order(t, "1001", "", line(p1, 3, "1.00"))
	f.drain(t)
	got, err := f.store.Product(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.AvailableStock)

	f.order(t, "1001", "", line(p2, 1, "1.00"))
	ids, err := f.dirty.Pop(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{p1.ID, p2.ID}, ids)
}

func TestCreateOrUpdateIdenticalInputWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, "SKU-1", 10)

	first := f.order(t, "1001", "", line(p, 1, "1.00"))
	again, err := f.manager.CreateOrUpdate(ctx, upsert("1001", "", line(p, 1, "1.00")))
	require.NoError(t, err)

	assert.Equal(t, first.UpdatedAt, again.Order.UpdatedAt)
	assert.Equal(t, first.Lines[0].ID, again.Order.Lines[0].ID)
	assert.Len(t, f.events.ofType(orders.EventOrderStatusChanged), 0)
}

func TestCreateOrUpdateRejectsShippedOrder(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "SKU-1", 10)
	f.order(t, "1001", orders.StatusShipped, line(p, 1, "1.00"))

	_, err := f.manager.CreateOrUpdate(context.Background(), upsert("1001", orders.StatusCanceled, line(p, 1, "1.00")))
	require.ErrorIs(t, err, orders.ErrInvalidTransition)

	var te *orders.InvalidTransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, orders.StatusShipped, te.Current)
	assert.Contains(t, err.Error(), "SHIPPED")
}

func TestCreateOrUpdateIntoShippedDecrementsStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, "SKU-1", 10)

	f.order(t, "1001", orders.StatusToBePrepared, line(p, 3, "1.00"))
	res, err := f.manager.CreateOrUpdate(ctx, upsert("1001", orders.StatusShipped, line(p, 3, "1.00")))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, res.Order.Status)

	got, err := f.store.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.PhysicalStock)
	assert.Empty(t, f.dispatcher.calls, "remote already fulfilled it")

	changes := f.events.ofType(orders.EventOrderStatusChanged)
	require.Len(t, changes, 1)
	payload := changes[0].Payload.(orders.OrderStatusChangedPayload)
	assert.Equal(t, orders.StatusToBePrepared, payload.From)
	assert.Equal(t, orders.StatusShipped, payload.To)
}

// lockTracingStore records the order in which a transaction locks products
// and rewrites order lines.
type lockTracingStore struct {
	*memstore.Store
	ops []string
}

func (s *lockTracingStore) InOrderTx(ctx context.Context, fn func(orders.Tx) error) error {
	return s.Store.InOrderTx(ctx, func(tx orders.Tx) error {
		return fn(&lockTracingTx{Tx: tx, ops: &s.ops})
	})
}

type lockTracingTx struct {
	orders.Tx
	ops *[]string
}

func (t *lockTracingTx) LockProduct(ctx context.Context, id int64) (inventory.Product, error) {
	*t.ops = append(*t.ops, fmt.Sprintf("lock product %d", id))
	return t.Tx.LockProduct(ctx, id)
}

func (t *lockTracingTx) UpdateOrder(ctx context.Context, o *orders.Order) error {
	*t.ops = append(*t.ops, "rewrite lines")
	return t.Tx.UpdateOrder(ctx, o)
}

func TestCreateOrUpdateIntoShippedLocksProductsBeforeRewritingLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.product(t, "SKU-1", 10)
	p2 := f.product(t, "SKU-2", 10)
	f.order(t, "1001", orders.StatusToBePrepared, line(p2, 1, "1.00"), line(p1, 1, "1.00"))

	store := &lockTracingStore{Store: f.store}
	manager, err := orders.NewManager(orders.ManagerDeps{Store: store, Ledger: f.ledger})
	require.NoError(t, err)

	_, err = manager.CreateOrUpdate(ctx, upsert("1001", orders.StatusShipped, line(p2, 2, "1.00"), line(p1, 1, "1.00")))
	require.NoError(t, err)
	assert.Equal(t, []string{
		fmt.Sprintf("lock product %d", p1.ID),
		fmt.Sprintf("lock product %d", p2.ID),
		"rewrite lines",
	}, store.ops)

	got, err := f.store.Product(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.PhysicalStock)
}

func TestCreateOrUpdateFirstSeenShippedKeepsStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, "SKU-1", 10)

	f.order(t, "1001", orders.StatusShipped, line(p, 3, "1.00"))

	got, err := f.store.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.PhysicalStock)
}

func TestCreateOrUpdateValidatesInput(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "SKU-1", 10)

	cases := map[string]func(*orders.UpsertInput){
		"empty reference": func(in *orders.UpsertInput) { in.Reference = "  " },
		"bad email":       func(in *orders.UpsertInput) { in.CustomerEmail = "not-an-email" },
		"unknown status":  func(in *orders.UpsertInput) { in.Status = "LOST" },
		"zero quantity":   func(in *orders.UpsertInput) { in.Lines[0].Quantity = 0 },
		"negative price":  func(in *orders.UpsertInput) { in.Lines[0].UnitPrice = decimal.NewFromInt(-1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := upsert("1001", "", line(p, 1, "1.00"))
			mutate(&in)
			_, err := f.manager.CreateOrUpdate(context.Background(), in)
			assert.ErrorIs(t, err, orders.ErrInvalidInput)
		})
	}
}

func TestCreateOrUpdateUnknownProductRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.manager.CreateOrUpdate(ctx, upsert("1001", "", orders.LineInput{ProductID: 404, Quantity: 1}))
	require.ErrorIs(t, err, inventory.ErrProductNotFound)

	_, err = f.store.OrderByReference(ctx, "1001")
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestTransitionGuards(t *testing.T) {
	type op func(m *orders.Manager, id int64) (orders.Status, error)
	pay := func(m *orders.Manager, id int64) (orders.Status, error) {
		o, err := m.Pay(context.Background(), id)
		return o.Status, err
	}
	ship := func(m *orders.Manager, id int64) (orders.Status, error) {
		res, err := m.Ship(context.Background(), id, nil)
		return res.Order.Status, err
	}
	cancel := func(m *orders.Manager, id int64) (orders.Status, error) {
		o, err := m.Cancel(context.Background(), id)
		return o.Status, err
	}

	ops := map[string]struct {
		run     op
		allowed map[orders.Status]orders.Status
	}{
		"pay": {pay, map[orders.Status]orders.Status{
			orders.StatusWaitingPayment: orders.StatusToBePrepared,
		}},
		"ship": {ship, map[orders.Status]orders.Status{
			orders.StatusToBePrepared: orders.StatusShipped,
		}},
		"cancel": {cancel, map[orders.Status]orders.Status{
			orders.StatusWaitingPayment: orders.StatusCanceled,
			orders.StatusToBePrepared:   orders.StatusCanceled,
			orders.StatusError:          orders.StatusCanceled,
			orders.StatusCanceled:       orders.StatusCanceled,
		}},
	}

	for name, tc := range ops {
		for _, from := range orders.AllStatuses {
			t.Run(name+"/"+string(from), func(t *testing.T) {
				f := newFixture(t)
				p := f.product(t, "SKU-1", 10)
				o := f.order(t, "1001", from, line(p, 1, "1.00"))

				got, err := tc.run(f.manager, o.ID)
				want, ok := tc.allowed[from]
				if ok {
					require.NoError(t, err)
					assert.Equal(t, want, got)
					return
				}
				require.ErrorIs(t, err, orders.ErrInvalidTransition)
				assert.Contains(t, err.Error(), string(from))

				stored, err := f.manager.Get(context.Background(), o.ID)
				require.NoError(t, err)
				assert.Equal(t, from, stored.Status)
			})
		}
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Pay(context.Background(), 999)
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestShipDecrementsPhysicalStockPerLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.product(t, "P1", 10)
	p2 := f.product(t, "P2", 10)

	o := f.order(t, "1001", orders.StatusToBePrepared, line(p1, 3, "1.00"), line(p2, 2, "1.00"))
	f.order(t, "1002", orders.StatusWaitingPayment, line(p1, 1, "1.00"))

	res, err := f.manager.Ship(ctx, o.ID, &orders.Tracking{Carrier: "UPS", Number: "1Z"})
	require.NoError(t, err)
	assert.True(t, res.Dispatched)
	require.Len(t, f.dispatcher.tracks, 1)
	assert.Equal(t, "1Z", f.dispatcher.tracks[0].Number)

	got1, err := f.store.Product(ctx, p1.ID)
	require.NoError(t, err)
	got2, err := f.store.Product(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got1.PhysicalStock)
	assert.Equal(t, 8, got2.PhysicalStock)

	f.drain(t)
	got1, err = f.store.Product(ctx, p1.ID)
	require.NoError(t, err)
	got2, err = f.store.Product(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got1.AvailableStock, "7 physical minus 1 reserved by the waiting order")
	assert.Equal(t, 8, got2.AvailableStock)
}

func TestShipFailedDispatchKeepsShipment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dispatcher.ok = false
	p := f.product(t, "P1", 10)
	o := f.order(t, "1001", orders.StatusToBePrepared, line(p, 1, "1.00"))

	res, err := f.manager.Ship(ctx, o.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Dispatched)

	stored, err := f.manager.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, stored.Status)
}

func TestCancelReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, "P1", 10)
	o := f.order(t, "1001", "", line(p, 4, "1.00"))
	f.drain(t)

	got, err := f.store.Product(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 6, got.AvailableStock)

	_, err = f.manager.Cancel(ctx, o.ID)
	require.NoError(t, err)
	f.drain(t)

	got, err = f.store.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.AvailableStock)
	assert.Equal(t, 10, got.PhysicalStock)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, "P1", 10)
	o := f.order(t, "1001", orders.StatusToBePrepared, line(p, 2, "1.00"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		shipped int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Ship(ctx, o.ID, nil); err == nil {
				mu.Lock()
				shipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, shipped)
	got, err := f.store.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.PhysicalStock)
}

func TestTransitionsEmitStatusChanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.product(t, "P1", 10)
	o := f.order(t, "1001", "", line(p, 1, "1.00"))

	_, err := f.manager.Pay(ctx, o.ID)
	require.NoError(t, err)

	changes := f.events.ofType(orders.EventOrderStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, orders.TopicOrderStatusChanged, changes[0].Topic)
	assert.Equal(t, orders.PartitionKey(o.ID), changes[0].Key)
	payload := changes[0].Payload.(orders.OrderStatusChangedPayload)
	assert.Equal(t, orders.ActionPay, payload.Action)
	assert.Len(t, f.events.ofType(orders.EventOrderUpserted), 1)
}
