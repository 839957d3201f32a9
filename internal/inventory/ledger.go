package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/logging"
)

// Recalculation reports the outcome of a single available-stock recomputation.
type Recalculation struct {
	ProductID int64
	Physical  int
	Reserved  int
	Available int
	Changed   bool
}

type LedgerDeps struct {
	Store  Store
	Dirty  DirtySet
	Events EventPublisher
	Logger *zap.Logger
}

// Ledger derives available stock from physical stock and open reservations.
type Ledger struct {
	store  Store
	dirty  DirtySet
	events EventPublisher
	logger *zap.Logger
}

func NewLedger(deps LedgerDeps) (*Ledger, error) {
	if deps.Store == nil {
		return nil, errors.New("inventory: store is required")
	}
	if deps.Dirty == nil {
		return nil, errors.New("inventory: dirty set is required")
	}
	return &Ledger{
		store:  deps.Store,
		dirty:  deps.Dirty,
		events: deps.Events,
		logger: logging.OrNop(deps.Logger).Named("ledger"),
	}, nil
}

// Recalculate sets available = physical - reserved under the product row lock.
// The row is written only when the value moves. A missing product is a logged no-op.
func (l *Ledger) Recalculate(ctx context.Context, productID int64) (Recalculation, error) {
	var (
		rec Recalculation
		sku string
	)
	err := l.store.InStockTx(ctx, func(tx Tx) error {
		p, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		reserved, err := tx.ReservedQuantity(ctx, productID)
		if err != nil {
			return err
		}

		available := p.PhysicalStock - reserved
		rec = Recalculation{
			ProductID: productID,
			Physical:  p.PhysicalStock,
			Reserved:  reserved,
			Available: available,
		}
		sku = p.SKU
		if p.AvailableStock == available {
			return nil
		}
		p.AvailableStock = available
		rec.Changed = true
		return tx.SaveStock(ctx, p)
	})
	if errors.Is(err, ErrProductNotFound) {
		l.logger.Warn("product not found", zap.Int64("product_id", productID))
		return Recalculation{ProductID: productID}, nil
	}
	if err != nil {
		return Recalculation{}, fmt.Errorf("recalculate product %d: %w", productID, err)
	}

	if rec.Changed {
		l.logger.Debug("available stock changed",
			zap.Int64("product_id", productID),
			zap.Int("physical", rec.Physical),
			zap.Int("reserved", rec.Reserved),
			zap.Int("available", rec.Available),
		)
		if l.events != nil {
			l.events.Emit(ctx, TopicStockChanged, EventStockChanged, strconv.FormatInt(productID, 10), StockChangedPayload{
				ProductID:      productID,
				SKU:            sku,
				PhysicalStock:  rec.Physical,
				AvailableStock: rec.Available,
			})
		}
	}
	return rec, nil
}

// DecrementPhysicalTx removes qty units from physical stock inside the caller's
// transaction. The caller marks the product dirty once the transaction commits.
func (l *Ledger) DecrementPhysicalTx(ctx context.Context, tx Tx, productID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("decrement product %d by %d: %w", productID, qty, ErrInvalidQuantity)
	}
	p, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("decrement product %d: %w", productID, err)
	}
	p.PhysicalStock -= qty
	if err := tx.SaveStock(ctx, p); err != nil {
		return fmt.Errorf("decrement product %d: %w", productID, err)
	}
	return nil
}

// DecrementPhysical is DecrementPhysicalTx in its own transaction, followed by a dirty mark.
func (l *Ledger) DecrementPhysical(ctx context.Context, productID int64, qty int) error {
	err := l.store.InStockTx(ctx, func(tx Tx) error {
		return l.DecrementPhysicalTx(ctx, tx, productID, qty)
	})
	if err != nil {
		return err
	}
	l.MarkDirty(ctx, productID)
	return nil
}

// SetPhysical records a manual stock count.
func (l *Ledger) SetPhysical(ctx context.Context, productID int64, physical int) (Product, error) {
	if physical < 0 {
		return Product{}, fmt.Errorf("%w: physical_stock must not be negative", ErrInvalidProduct)
	}
	var out Product
	err := l.store.InStockTx(ctx, func(tx Tx) error {
		p, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		p.PhysicalStock = physical
		if err := tx.SaveStock(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Product{}, fmt.Errorf("set physical stock of product %d: %w", productID, err)
	}
	l.MarkDirty(ctx, productID)
	return out, nil
}

// MarkDirty queues products for recalculation. Failures are logged, never returned:
// a lost mark delays the recompute but must not fail the write that caused it.
func (l *Ledger) MarkDirty(ctx context.Context, ids ...int64) {
	if len(ids) == 0 {
		return
	}
	if err := l.dirty.Add(ctx, ids...); err != nil {
		l.logger.Error("mark dirty failed", zap.Int64s("product_ids", ids), zap.Error(err))
	}
}
