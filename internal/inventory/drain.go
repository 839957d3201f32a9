package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/logging"
)

const DefaultBatchSize = 10

type Recalculator interface {
	Recalculate(ctx context.Context, productID int64) (Recalculation, error)
}

type DrainResult struct {
	Popped       int
	Recalculated int
	Failed       int
}

// Drainer pops bounded batches off the dirty set and recalculates each product.
type Drainer struct {
	set    DirtySet
	ledger Recalculator
	batch  int
	logger *zap.Logger
}

func NewDrainer(set DirtySet, ledger Recalculator, batch int, logger *zap.Logger) *Drainer {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Drainer{set: set, ledger: ledger, batch: batch, logger: logging.OrNop(logger).Named("drainer")}
}

// DrainOnce processes a single batch. A failing product is logged and does not
// stop the rest of the batch; it is not re-queued.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainResult, error) {
	ids, err := d.set.Pop(ctx, d.batch)
	if err != nil {
		return DrainResult{}, err
	}
	res := DrainResult{Popped: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}
	d.logger.Info("recalculating inventory", zap.Int("products", len(ids)))
	for _, id := range ids {
		if _, err := d.ledger.Recalculate(ctx, id); err != nil {
			res.Failed++
			d.logger.Error("recalculate failed", zap.Int64("product_id", id), zap.Error(err))
			continue
		}
		res.Recalculated++
	}
	return res, nil
}

// Run drains on every tick until ctx is done. A full batch is followed by
// another one straight away so a backlog does not wait for the next tick.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		for ctx.Err() == nil {
			res, err := d.DrainOnce(ctx)
			if err != nil {
				d.logger.Error("drain failed", zap.Error(err))
				break
			}
			if res.Popped < d.batch {
				break
			}
		}
	}
}
