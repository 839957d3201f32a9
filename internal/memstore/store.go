// Package memstore keeps orders, products and shop links in process memory.
// It implements orders.Store, inventory.Store and shops.Store and is meant for
// tests and local development.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/orders"
	"github.com/ariefcatur/micro-oms/internal/shops"
)

type state struct {
	seq          int64
	products     map[int64]inventory.Product
	orders       map[int64]orders.Order
	configs      map[int64]shops.Config
	productLinks map[[2]int64]shops.ProductLink
	orderLinks   map[[2]int64]shops.OrderLink
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

func (s *state) clone() *state {
	c := &state{
		seq:          s.seq,
		products:     maps.Clone(s.products),
		orders:       make(map[int64]orders.Order, len(s.orders)),
		configs:      maps.Clone(s.configs),
		productLinks: maps.Clone(s.productLinks),
		orderLinks:   maps.Clone(s.orderLinks),
	}
	for id, o := range s.orders {
		c.orders[id] = cloneOrder(o)
	}
	return c
}

// Store serialises writers with one lock. A transaction works on a copy of the
// state that replaces the committed state only when fn returns nil.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	st      *state
	writes  map[int64]int
	now     func() time.Time
}

func New() *Store {
	return &Store{
		st: &state{
			products:     map[int64]inventory.Product{},
			orders:       map[int64]orders.Order{},
			configs:      map[int64]shops.Config{},
			productLinks: map[[2]int64]shops.ProductLink{},
			orderLinks:   map[[2]int64]shops.OrderLink{},
		},
		writes: map[int64]int{},
		now:    time.Now,
	}
}

// StockWrites reports how many committed stock writes product id received.
func (s *Store) StockWrites(id int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[id]
}

func (s *Store) InOrderTx(ctx context.Context, fn func(orders.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) InStockTx(ctx context.Context, fn func(inventory.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (s *Store) inTx(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	t := &tx{st: s.st.clone(), writes: map[int64]int{}, now: s.now}
	s.mu.RUnlock()

	if err := fn(t); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = t.st
	for id, n := range t.writes {
		s.writes[id] += n
	}
	s.mu.Unlock()
	return nil
}

// update applies a non-transactional write under the writer lock.
func (s *Store) update(fn func(*state) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) read(fn func(*state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.st)
}

// Products

func (s *Store) Product(_ context.Context, id int64) (inventory.Product, error) {
	var (
		p  inventory.Product
		ok bool
	)
	s.read(func(st *state) { p, ok = st.products[id] })
	if !ok {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	return p, nil
}

func (s *Store) ProductBySKU(_ context.Context, sku string) (inventory.Product, error) {
	var (
		out   inventory.Product
		found bool
	)
	s.read(func(st *state) {
		for _, p := range st.products {
			if p.SKU == sku && (!found || p.ID < out.ID) {
				out, found = p, true
			}
		}
	})
	if !found {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	return out, nil
}

func (s *Store) ListProducts(_ context.Context) ([]inventory.Product, error) {
	var out []inventory.Product
	s.read(func(st *state) { out = slices.Collect(maps.Values(st.products)) })
	slices.SortFunc(out, func(a, b inventory.Product) int {
		if a.SKU != b.SKU {
			if a.SKU < b.SKU {
				return -1
			}
			return 1
		}
		return int(a.ID - b.ID)
	})
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, p inventory.Product) (inventory.Product, error) {
	err := s.update(func(st *state) error {
		now := s.now()
		p.ID = st.next()
		p.AvailableStock = p.PhysicalStock
		p.CreatedAt, p.UpdatedAt = now, now
		st.products[p.ID] = p
		return nil
	})
	return p, err
}

func (s *Store) DeleteProduct(_ context.Context, id int64) error {
	return s.update(func(st *state) error {
		if _, ok := st.products[id]; !ok {
			return inventory.ErrProductNotFound
		}
		for _, o := range st.orders {
			if slices.Contains(o.ProductIDs(), id) {
				return inventory.ErrProductInUse
			}
		}
		delete(st.products, id)
		for k := range st.productLinks {
			if k[1] == id {
				delete(st.productLinks, k)
			}
		}
		return nil
	})
}

// Orders

func (s *Store) Order(_ context.Context, id int64) (orders.Order, error) {
	var (
		o  orders.Order
		ok bool
	)
	s.read(func(st *state) {
		o, ok = st.orders[id]
		if ok {
			o = withSKUs(st, o)
		}
	})
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (s *Store) OrderByReference(_ context.Context, reference string) (orders.Order, error) {
	var (
		o  orders.Order
		ok bool
	)
	s.read(func(st *state) { o, ok = byReference(st, reference) })
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (s *Store) ListOrders(_ context.Context, f orders.ListFilter) ([]orders.Order, error) {
	var out []orders.Order
	s.read(func(st *state) {
		for _, o := range st.orders {
			if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status) {
				continue
			}
			if f.Reference != "" && o.Reference != f.Reference {
				continue
			}
			out = append(out, withSKUs(st, o))
		}
	})
	slices.SortFunc(out, func(a, b orders.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Shops

func (s *Store) ActiveConfigs(_ context.Context) ([]shops.Config, error) {
	var out []shops.Config
	s.read(func(st *state) {
		for _, c := range st.configs {
			if c.Active {
				out = append(out, c)
			}
		}
	})
	slices.SortFunc(out, func(a, b shops.Config) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *Store) Config(_ context.Context, id int64) (shops.Config, error) {
	var (
		c  shops.Config
		ok bool
	)
	s.read(func(st *state) { c, ok = st.configs[id] })
	if !ok {
		return shops.Config{}, shops.ErrNotFound
	}
	return c, nil
}

func (s *Store) ConfigByShop(_ context.Context, shopURL string) (shops.Config, error) {
	var (
		out   shops.Config
		found bool
	)
	s.read(func(st *state) {
		for _, c := range st.configs {
			if c.ShopURL == shopURL {
				out, found = c, true
			}
		}
	})
	if !found {
		return shops.Config{}, shops.ErrNotFound
	}
	return out, nil
}

func (s *Store) UpsertConfig(_ context.Context, c shops.Config) (shops.Config, error) {
	var out shops.Config
	err := s.update(func(st *state) error {
		now := s.now()
		for id, cur := range st.configs {
			if cur.ShopURL == c.ShopURL {
				cur.AccessToken = c.AccessToken
				cur.Active = c.Active
				cur.UpdatedAt = now
				st.configs[id] = cur
				out = cur
				return nil
			}
		}
		c.ID = st.next()
		c.CreatedAt, c.UpdatedAt = now, now
		st.configs[c.ID] = c
		out = c
		return nil
	})
	return out, err
}

func (s *Store) SaveSyncState(_ context.Context, id int64, at time.Time) error {
	return s.updateConfig(id, func(c *shops.Config) { c.LastSyncAt = &at })
}

func (s *Store) SetLocationID(_ context.Context, id, locationID int64) error {
	return s.updateConfig(id, func(c *shops.Config) { c.LocationID = locationID })
}

func (s *Store) updateConfig(id int64, fn func(*shops.Config)) error {
	return s.update(func(st *state) error {
		c, ok := st.configs[id]
		if !ok {
			return shops.ErrNotFound
		}
		fn(&c)
		c.UpdatedAt = s.now()
		st.configs[id] = c
		return nil
	})
}

func (s *Store) UpsertOrderLink(_ context.Context, l shops.OrderLink) error {
	return s.update(func(st *state) error {
		if _, ok := st.configs[l.ConfigID]; !ok {
			return shops.ErrNotFound
		}
		if _, ok := st.orders[l.OrderID]; !ok {
			return orders.ErrNotFound
		}
		st.orderLinks[[2]int64{l.ConfigID, l.OrderID}] = l
		return nil
	})
}

func (s *Store) OrderLinkFor(_ context.Context, orderID int64) (shops.OrderLink, error) {
	var (
		out   shops.OrderLink
		found bool
	)
	s.read(func(st *state) {
		for _, l := range st.orderLinks {
			if l.OrderID == orderID && (!found || l.ConfigID < out.ConfigID) {
				out, found = l, true
			}
		}
	})
	if !found {
		return shops.OrderLink{}, shops.ErrNotFound
	}
	return out, nil
}

func (s *Store) ProductLink(_ context.Context, configID, productID int64) (shops.ProductLink, error) {
	var (
		l  shops.ProductLink
		ok bool
	)
	s.read(func(st *state) { l, ok = st.productLinks[[2]int64{configID, productID}] })
	if !ok {
		return shops.ProductLink{}, shops.ErrNotFound
	}
	return l, nil
}

func (s *Store) CreateProductLink(_ context.Context, l shops.ProductLink) (shops.ProductLink, error) {
	out := l
	err := s.update(func(st *state) error {
		key := [2]int64{l.ConfigID, l.ProductID}
		if cur, ok := st.productLinks[key]; ok {
			out = cur
			return nil
		}
		st.productLinks[key] = l
		return nil
	})
	return out, err
}

// tx implements orders.Tx (and so inventory.Tx) over a private copy of the state.
type tx struct {
	st     *state
	writes map[int64]int
	now    func() time.Time
}

func (t *tx) LockProduct(_ context.Context, id int64) (inventory.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	return p, nil
}

func (t *tx) ReservedQuantity(_ context.Context, productID int64) (int, error) {
	var n int
	for _, o := range t.st.orders {
		if !o.Status.Reserves() {
			continue
		}
		for _, l := range o.Lines {
			if l.ProductID == productID {
				n += l.Quantity
			}
		}
	}
	return n, nil
}

func (t *tx) SaveStock(_ context.Context, p inventory.Product) error {
	cur, ok := t.st.products[p.ID]
	if !ok {
		return inventory.ErrProductNotFound
	}
	cur.PhysicalStock = p.PhysicalStock
	cur.AvailableStock = p.AvailableStock
	cur.UpdatedAt = t.now()
	t.st.products[p.ID] = cur
	t.writes[p.ID]++
	return nil
}

func (t *tx) LockOrder(_ context.Context, id int64) (orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return withSKUs(t.st, o), nil
}

func (t *tx) LockOrderByReference(_ context.Context, reference string) (orders.Order, error) {
	o, ok := byReference(t.st, reference)
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (t *tx) InsertOrder(_ context.Context, o *orders.Order) error {
	if _, ok := byReference(t.st, o.Reference); ok {
		return fmt.Errorf("duplicate reference %q", o.Reference)
	}
	if err := t.assignLines(o); err != nil {
		return err
	}
	now := t.now()
	o.ID = t.st.next()
	o.ShippingAddress.ID = t.st.next()
	o.CreatedAt, o.UpdatedAt = now, now
	t.st.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *tx) UpdateOrder(_ context.Context, o *orders.Order) error {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return orders.ErrNotFound
	}
	if err := t.assignLines(o); err != nil {
		return err
	}
	o.Reference = cur.Reference
	o.ShippingAddress.ID = cur.ShippingAddress.ID
	o.CreatedAt = cur.CreatedAt
	o.UpdatedAt = t.now()
	t.st.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *tx) SetStatus(_ context.Context, id int64, status orders.Status) error {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = t.now()
	t.st.orders[id] = o
	return nil
}

// assignLines gives every line a fresh id; a line pointing at a missing product is rejected.
func (t *tx) assignLines(o *orders.Order) error {
	for i := range o.Lines {
		p, ok := t.st.products[o.Lines[i].ProductID]
		if !ok {
			return fmt.Errorf("line product %d: %w", o.Lines[i].ProductID, inventory.ErrProductNotFound)
		}
		o.Lines[i].ID = t.st.next()
		o.Lines[i].SKU = p.SKU
	}
	return nil
}

func byReference(st *state, reference string) (orders.Order, bool) {
	for _, o := range st.orders {
		if o.Reference == reference {
			return withSKUs(st, o), true
		}
	}
	return orders.Order{}, false
}

func withSKUs(st *state, o orders.Order) orders.Order {
	o = cloneOrder(o)
	for i := range o.Lines {
		o.Lines[i].SKU = st.products[o.Lines[i].ProductID].SKU
	}
	return o
}

func cloneOrder(o orders.Order) orders.Order {
	o.Lines = slices.Clone(o.Lines)
	return o
}

var (
	_ orders.Store    = (*Store)(nil)
	_ inventory.Store = (*Store)(nil)
	_ shops.Store     = (*Store)(nil)
	_ orders.Tx       = (*tx)(nil)
)
