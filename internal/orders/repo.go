package orders

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/micro-oms/internal/inventory"
)

const orderSelect = `
	SELECT o.id, o.reference, o.customer_email, o.status, o.created_at, o.updated_at,
	       a.id, a.name, a.street, a.postal_code, a.country_code
	FROM orders o
	JOIN addresses a ON a.id = o.shipping_address_id`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) InOrderTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(pgxOrderTx{PgxTx: inventory.PgxTx{Tx: tx}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) Order(ctx context.Context, id int64) (Order, error) {
	return getOrder(ctx, r.DB, orderSelect+` WHERE o.id=$1`, id)
}

func (r *Repo) OrderByReference(ctx context.Context, reference string) (Order, error) {
	return getOrder(ctx, r.DB, orderSelect+` WHERE o.reference=$1`, reference)
}

func (r *Repo) ListOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	var statuses []string
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := r.DB.Query(ctx, orderSelect+`
		WHERE ($1::text[] IS NULL OR o.status = ANY($1))
		  AND ($2 = '' OR o.reference = $2)
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $3`, statuses, f.Reference, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	var ids []int64
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	lines, err := loadLines(ctx, r.DB, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
	}
	return out, nil
}

type pgxOrderTx struct{ inventory.PgxTx }

func (t pgxOrderTx) LockOrder(ctx context.Context, id int64) (Order, error) {
	return getOrder(ctx, t.Tx, orderSelect+` WHERE o.id=$1 FOR UPDATE OF o`, id)
}

func (t pgxOrderTx) LockOrderByReference(ctx context.Context, reference string) (Order, error) {
	// advisory lock covers the window where the row does not exist yet
	if _, err := t.Tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "order-ref:"+reference); err != nil {
		return Order{}, err
	}
	return getOrder(ctx, t.Tx, orderSelect+` WHERE o.reference=$1 FOR UPDATE OF o`, reference)
}

func (t pgxOrderTx) InsertOrder(ctx context.Context, o *Order) error {
	a := &o.ShippingAddress
	if err := t.Tx.QueryRow(ctx, `
		INSERT INTO addresses(name, street, postal_code, country_code)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		a.Name, a.Street, a.PostalCode, a.CountryCode).Scan(&a.ID); err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	if err := t.Tx.QueryRow(ctx, `
		INSERT INTO orders(reference, customer_email, status, shipping_address_id)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		o.Reference, o.CustomerEmail, string(o.Status), a.ID).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return insertLines(ctx, t.Tx, o.ID, o.Lines)
}

func (t pgxOrderTx) UpdateOrder(ctx context.Context, o *Order) error {
	a := o.ShippingAddress
	if _, err := t.Tx.Exec(ctx, `
		UPDATE addresses SET name=$2, street=$3, postal_code=$4, country_code=$5 WHERE id=$1`,
		a.ID, a.Name, a.Street, a.PostalCode, a.CountryCode); err != nil {
		return fmt.Errorf("update address: %w", err)
	}
	if err := t.Tx.QueryRow(ctx, `
		UPDATE orders SET customer_email=$2, status=$3, updated_at=now()
		WHERE id=$1 RETURNING updated_at`,
		o.ID, o.CustomerEmail, string(o.Status)).Scan(&o.UpdatedAt); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if _, err := t.Tx.Exec(ctx, `DELETE FROM order_lines WHERE order_id=$1`, o.ID); err != nil {
		return fmt.Errorf("delete lines: %w", err)
	}
	return insertLines(ctx, t.Tx, o.ID, o.Lines)
}

func (t pgxOrderTx) SetStatus(ctx context.Context, id int64, status Status) error {
	ct, err := t.Tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, id, string(status))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// insertLines writes lines in ascending product order so the share locks the
// product foreign key takes follow the same order as FOR UPDATE on products.
func insertLines(ctx context.Context, tx pgx.Tx, orderID int64, lines []Line) error {
	idx := make([]int, len(lines))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(lines[a].ProductID, lines[b].ProductID) })
	for _, i := range idx {
		l := &lines[i]
		if err := tx.QueryRow(ctx, `
			INSERT INTO order_lines(order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4::text::numeric) RETURNING id`,
			orderID, l.ProductID, l.Quantity, l.UnitPrice.StringFixed(2)).Scan(&l.ID); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				err = inventory.ErrProductNotFound
			}
			return fmt.Errorf("insert line for product %d: %w", l.ProductID, err)
		}
	}
	return nil
}

func getOrder(ctx context.Context, q querier, sql string, arg any) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	lines, err := loadLines(ctx, q, []int64{o.ID})
	if err != nil {
		return Order{}, err
	}
	o.Lines = lines[o.ID]
	return o, nil
}

func loadLines(ctx context.Context, q querier, orderIDs []int64) (map[int64][]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT l.order_id, l.id, l.product_id, p.sku, l.quantity, l.unit_price::text
		FROM order_lines l
		JOIN products p ON p.id = l.product_id
		WHERE l.order_id = ANY($1)
		ORDER BY l.id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]Line, len(orderIDs))
	for rows.Next() {
		var (
			orderID int64
			l       Line
			price   string
		)
		if err := rows.Scan(&orderID, &l.ID, &l.ProductID, &l.SKU, &l.Quantity, &price); err != nil {
			return nil, err
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("line %d unit_price: %w", l.ID, err)
		}
		out[orderID] = append(out[orderID], l)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o      Order
		status string
	)
	err := row.Scan(&o.ID, &o.Reference, &o.CustomerEmail, &status, &o.CreatedAt, &o.UpdatedAt,
		&o.ShippingAddress.ID, &o.ShippingAddress.Name, &o.ShippingAddress.Street,
		&o.ShippingAddress.PostalCode, &o.ShippingAddress.CountryCode)
	o.Status = Status(status)
	return o, err
}
