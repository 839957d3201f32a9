package inventory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/memstore"
	"github.com/ariefcatur/micro-oms/internal/orders"
)

type capturePublisher struct {
	mu       sync.Mutex
	payloads []inventory.StockChangedPayload
}

func (p *capturePublisher) Emit(_ context.Context, topic, eventType, _ string, payload any) {
	if topic != inventory.TopicStockChanged || eventType != inventory.EventStockChanged {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload.(inventory.StockChangedPayload))
}

func newLedger(t *testing.T) (*inventory.Ledger, *memstore.Store, *inventory.MemoryDirtySet, *capturePublisher) {
	t.Helper()
	store := memstore.New()
	dirty := inventory.NewMemoryDirtySet()
	pub := &capturePublisher{}
	l, err := inventory.NewLedger(inventory.LedgerDeps{Store: store, Dirty: dirty, Events: pub})
	require.NoError(t, err)
	return l, store, dirty, pub
}

func reserve(t *testing.T, store *memstore.Store, ref string, status orders.Status, productID int64, qty int) {
	t.Helper()
	ctx := context.Background()
	err := store.InOrderTx(ctx, func(tx orders.Tx) error {
		return tx.InsertOrder(ctx, &orders.Order{
			Reference: ref,
			Status:    status,
			Lines:     []orders.Line{{ProductID: productID, Quantity: qty, UnitPrice: decimal.NewFromInt(1)}},
		})
	})
	require.NoError(t, err)
}

func TestNewLedgerRequiresDeps(t *testing.T) {
	_, err := inventory.NewLedger(inventory.LedgerDeps{})
	assert.Error(t, err)
	_, err = inventory.NewLedger(inventory.LedgerDeps{Store: memstore.New()})
	assert.Error(t, err)
}

func TestRecalculateCountsOnlyOpenOrders(t *testing.T) {
	ctx := context.Background()
	l, store, _, pub := newLedger(t)
	p, err := store.CreateProduct(ctx, inventory.Product{SKU: "A", Name: "a", PhysicalStock: 20})
	require.NoError(t, err)

	reserve(t, store, "1", orders.StatusWaitingPayment, p.ID, 2)
	reserve(t, store, "2", orders.StatusToBePrepared, p.ID, 3)
	reserve(t, store, "3", orders.StatusCanceled, p.ID, 100)
	reserve(t, store, "4", orders.StatusShipped, p.ID, 100)
	reserve(t, store, "5", orders.StatusError, p.ID, 100)

	rec, err := l.Recalculate(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.Recalculation{ProductID: p.ID, Physical: 20, Reserved: 5, Available: 15, Changed: true}, rec)

	got, err := store.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.AvailableStock)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, inventory.StockChangedPayload{ProductID: p.ID, SKU: "A", PhysicalStock: 20, AvailableStock: 15}, pub.payloads[0])
}

func TestRecalculateWritesOnlyWhenChanged(t *testing.T) {
	ctx := context.Background()
	l, store, _, pub := newLedger(t)
	p, err := store.CreateProduct(ctx, inventory.Product{SKU: "A", Name: "a", PhysicalStock: 10})
	require.NoError(t, err)
	reserve(t, store, "1", orders.StatusWaitingPayment, p.ID, 4)

	first, err := l.Recalculate(ctx, p.ID)
	require.NoError(t, err)
	second, err := l.Recalculate(ctx, p.ID)
	require.NoError(t, err)

	assert.True(t, first.Changed)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Available, second.Available)
	assert.Equal(t, 1, store.StockWrites(p.ID))
	assert.Len(t, pub.payloads, 1)
}

func TestRecalculateMissingProductIsNoop(t *testing.T) {
	l, _, _, pub := newLedger(t)
	rec, err := l.Recalculate(context.Background(), 404)
	require.NoError(t, err)
	assert.Equal(t, inventory.Recalculation{ProductID: 404}, rec)
	assert.Empty(t, pub.payloads)
}

func TestDecrementPhysical(t *testing.T) {
	ctx := context.Background()
	l, store, dirty, _ := newLedger(t)
	p, err := store.CreateProduct(ctx, inventory.Product{SKU: "A", Name: "a", PhysicalStock: 10})
	require.NoError(t, err)

	require.NoError(t, l.DecrementPhysical(ctx, p.ID, 3))
	got, err := store.Product(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.PhysicalStock)
	assert.Equal(t, 10, got.AvailableStock, "available waits for recalculation")
	assert.Equal(t, 1, dirty.Len())

	assert.ErrorIs(t, l.DecrementPhysical(ctx, p.ID, 0), inventory.ErrInvalidQuantity)
	assert.ErrorIs(t, l.DecrementPhysical(ctx, 404, 1), inventory.ErrProductNotFound)
}

func TestSetPhysical(t *testing.T) {
	ctx := context.Background()
	l, store, dirty, _ := newLedger(t)
	p, err := store.CreateProduct(ctx, inventory.Product{SKU: "A", Name: "a", PhysicalStock: 10})
	require.NoError(t, err)

	got, err := l.SetPhysical(ctx, p.ID, 25)
	require.NoError(t, err)
	assert.Equal(t, 25, got.PhysicalStock)
	assert.Equal(t, 1, dirty.Len())

	_, err = l.SetPhysical(ctx, p.ID, -1)
	assert.ErrorIs(t, err, inventory.ErrInvalidProduct)
	_, err = l.SetPhysical(ctx, 404, 1)
	assert.ErrorIs(t, err, inventory.ErrProductNotFound)
}

func TestProductValidate(t *testing.T) {
	assert.NoError(t, inventory.Product{SKU: "A", Name: "a"}.Validate())
	assert.ErrorIs(t, inventory.Product{Name: "a"}.Validate(), inventory.ErrInvalidProduct)
	assert.ErrorIs(t, inventory.Product{SKU: "A", Name: "a", PhysicalStock: -1}.Validate(), inventory.ErrInvalidProduct)
}
