package orders

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/logging"
)

const maxReferenceLen = 50

// ActionUpdate names create-or-update in rejection messages; it is not a status transition.
const ActionUpdate Action = "update"

type LineInput struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

type UpsertInput struct {
	Reference       string
	CustomerEmail   string
	ShippingAddress Address
	Lines           []LineInput
	// Status is optional: empty keeps the current status on update and means
	// WAITING_PAYMENT on create.
	Status Status
}

type UpsertResult struct {
	Order   Order
	Created bool
}

type ShipResult struct {
	Order      Order
	Dispatched bool
}

type ManagerDeps struct {
	Store      Store
	Ledger     StockLedger
	Dispatcher Dispatcher
	Events     EventPublisher
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Manager owns the order state machine. Each mutation runs its
// read-validate-write sequence under an exclusive lock on the order.
type Manager struct {
	store      Store
	ledger     StockLedger
	dispatcher Dispatcher
	events     EventPublisher
	logger     *zap.Logger
	now        func() time.Time
}

func NewManager(deps ManagerDeps) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("orders: store is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("orders: ledger is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:      deps.Store,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		logger:     logging.OrNop(deps.Logger).Named("orders"),
		now:        now,
	}, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (Order, error) {
	return m.store.Order(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	return m.store.ListOrders(ctx, filter)
}

// CreateOrUpdate upserts the order identified by in.Reference. An existing
// order gets its address replaced in place, its full line set replaced, its
// email updated, and its status updated only when in.Status is set.
func (m *Manager) CreateOrUpdate(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	in, err := in.normalize()
	if err != nil {
		return UpsertResult{}, err
	}

	var (
		res          UpsertResult
		previous     Status
		prevProducts []int64
	)
	err = m.store.InOrderTx(ctx, func(tx Tx) error {
		existing, err := tx.LockOrderByReference(ctx, in.Reference)
		if errors.Is(err, ErrNotFound) {
			status := in.Status
			if status == "" {
				status = StatusWaitingPayment
			}
			o := Order{
				Reference:       in.Reference,
				CustomerEmail:   in.CustomerEmail,
				Status:          status,
				ShippingAddress: in.ShippingAddress,
				Lines:           in.lines(),
			}
			if err := tx.InsertOrder(ctx, &o); err != nil {
				return err
			}
			res = UpsertResult{Order: o, Created: true}
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Status == StatusShipped {
			return &InvalidTransitionError{OrderID: existing.ID, Action: ActionUpdate, Current: existing.Status}
		}

		previous = existing.Status
		prevProducts = existing.ProductIDs()

		o := existing
		o.CustomerEmail = in.CustomerEmail
		o.ShippingAddress = in.ShippingAddress
		o.ShippingAddress.ID = existing.ShippingAddress.ID
		if in.Status != "" {
			o.Status = in.Status
		}
		o.Lines = in.lines()

		if sameContent(existing, o) {
			res = UpsertResult{Order: existing}
			return nil
		}
		// Product rows are locked before the line rewrite takes its
		// foreign-key share locks on them.
		if o.Status == StatusShipped {
			if err := m.decrementStock(ctx, tx, o.Lines); err != nil {
				return err
			}
		}
		if err := tx.UpdateOrder(ctx, &o); err != nil {
			return err
		}
		res = UpsertResult{Order: o}
		return nil
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert order %q: %w", in.Reference, err)
	}

	m.ledger.MarkDirty(ctx, mergeIDs(prevProducts, res.Order.ProductIDs())...)

	o := res.Order
	m.emit(ctx, TopicOrderUpserted, EventOrderUpserted, o.ID, OrderUpsertedPayload{
		OrderID:   o.ID,
		Reference: o.Reference,
		Status:    o.Status,
		Created:   res.Created,
		Lines:     linePayloads(o.Lines),
	})
	if !res.Created && previous != o.Status {
		m.emitStatusChanged(ctx, o, previous, "")
	}
	return res, nil
}

// Pay moves WAITING_PAYMENT to TO_BE_PREPARED.
func (m *Manager) Pay(ctx context.Context, id int64) (Order, error) {
	o, _, err := m.transition(ctx, id, ActionPay, nil)
	return o, err
}

// Ship moves TO_BE_PREPARED to SHIPPED and decrements physical stock in the
// same transaction. Fulfillment is dispatched after commit; its outcome is
// reported in ShipResult.Dispatched and never reverts the shipment.
func (m *Manager) Ship(ctx context.Context, id int64, tracking *Tracking) (ShipResult, error) {
	o, _, err := m.transition(ctx, id, ActionShip, func(tx Tx, o Order) error {
		return m.decrementStock(ctx, tx, o.Lines)
	})
	if err != nil {
		return ShipResult{}, err
	}
	m.ledger.MarkDirty(ctx, o.ProductIDs()...)

	res := ShipResult{Order: o}
	if m.dispatcher == nil {
		return res, nil
	}
	var t Tracking
	if tracking != nil {
		t = *tracking
	}
	res.Dispatched = m.dispatcher.Fulfill(ctx, o, t)
	if !res.Dispatched {
		m.logger.Warn("order shipped locally but not fulfilled remotely",
			zap.Int64("order_id", o.ID), zap.String("reference", o.Reference))
	}
	return res, nil
}

// Cancel is legal from every status but SHIPPED and releases the order's reservations.
func (m *Manager) Cancel(ctx context.Context, id int64) (Order, error) {
	o, _, err := m.transition(ctx, id, ActionCancel, nil)
	if err != nil {
		return Order{}, err
	}
	m.ledger.MarkDirty(ctx, o.ProductIDs()...)
	return o, nil
}

func (m *Manager) transition(ctx context.Context, id int64, action Action, inTx func(Tx, Order) error) (Order, Status, error) {
	var (
		out  Order
		from Status
	)
	err := m.store.InOrderTx(ctx, func(tx Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		to, ok := Next(o.Status, action)
		if !ok {
			return &InvalidTransitionError{OrderID: id, Action: action, Current: o.Status}
		}
		from = o.Status
		if err := tx.SetStatus(ctx, id, to); err != nil {
			return err
		}
		o.Status = to
		o.UpdatedAt = m.now()
		if inTx != nil {
			if err := inTx(tx, o); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return Order{}, "", fmt.Errorf("%s order %d: %w", action, id, err)
	}
	if from != out.Status {
		m.emitStatusChanged(ctx, out, from, action)
	}
	return out, from, nil
}

// decrementStock locks products in ascending id order, one decrement per product.
func (m *Manager) decrementStock(ctx context.Context, tx Tx, lines []Line) error {
	qty := make(map[int64]int, len(lines))
	for _, l := range lines {
		qty[l.ProductID] += l.Quantity
	}
	ids := make([]int64, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := m.ledger.DecrementPhysicalTx(ctx, tx, id, qty[id]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) emitStatusChanged(ctx context.Context, o Order, from Status, action Action) {
	m.emit(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, o.ID, OrderStatusChangedPayload{
		OrderID:    o.ID,
		Reference:  o.Reference,
		From:       from,
		To:         o.Status,
		Action:     action,
		OccurredAt: m.now().UTC(),
	})
}

func (m *Manager) emit(ctx context.Context, topic, eventType string, orderID int64, payload any) {
	if m.events == nil {
		return
	}
	m.events.Emit(ctx, topic, eventType, PartitionKey(orderID), payload)
}

func (in UpsertInput) normalize() (UpsertInput, error) {
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Reference == "" || len(in.Reference) > maxReferenceLen {
		return in, fmt.Errorf("%w: reference must be 1-%d characters", ErrInvalidInput, maxReferenceLen)
	}
	in.CustomerEmail = strings.TrimSpace(in.CustomerEmail)
	if _, err := mail.ParseAddress(in.CustomerEmail); err != nil {
		return in, fmt.Errorf("%w: customer_email %q", ErrInvalidInput, in.CustomerEmail)
	}
	if in.Status != "" && !in.Status.Valid() {
		return in, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	}
	in.ShippingAddress.CountryCode = strings.ToUpper(strings.TrimSpace(in.ShippingAddress.CountryCode))
	for i, l := range in.Lines {
		if l.ProductID <= 0 {
			return in, fmt.Errorf("%w: line %d has no product", ErrInvalidInput, i)
		}
		if l.Quantity <= 0 {
			return in, fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidInput, i)
		}
		if l.UnitPrice.IsNegative() {
			return in, fmt.Errorf("%w: line %d unit_price must not be negative", ErrInvalidInput, i)
		}
	}
	return in, nil
}

func (in UpsertInput) lines() []Line {
	out := make([]Line, 0, len(in.Lines))
	for _, l := range in.Lines {
		out = append(out, Line{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice.Round(2)})
	}
	return out
}

// sameContent compares everything an upsert may write. Line ids are ignored.
func sameContent(a, b Order) bool {
	if a.CustomerEmail != b.CustomerEmail || a.Status != b.Status {
		return false
	}
	if a.ShippingAddress != b.ShippingAddress {
		return false
	}
	if len(a.Lines) != len(b.Lines) {
		return false
	}
	for i := range a.Lines {
		x, y := a.Lines[i], b.Lines[i]
		if x.ProductID != y.ProductID || x.Quantity != y.Quantity || !x.UnitPrice.Equal(y.UnitPrice) {
			return false
		}
	}
	return true
}

func mergeIDs(a, b []int64) []int64 {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

var _ StockLedger = (*inventory.Ledger)(nil)
