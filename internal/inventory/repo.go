package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const productColumns = `id, sku, name, picture_url, physical_stock, available_stock, created_at, updated_at`

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) InStockTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(PgxTx{Tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) Product(ctx context.Context, id int64) (Product, error) {
	p, err := scanProduct(r.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

// ProductBySKU returns the oldest product carrying sku.
func (r *Repo) ProductBySKU(ctx context.Context, sku string) (Product, error) {
	p, err := scanProduct(r.DB.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE sku=$1 ORDER BY id LIMIT 1`, sku))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY sku, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProduct inserts p with available stock equal to its physical stock;
// the first recalculation takes reservations into account.
func (r *Repo) CreateProduct(ctx context.Context, p Product) (Product, error) {
	return scanProduct(r.DB.QueryRow(ctx, `
		INSERT INTO products(sku, name, picture_url, physical_stock, available_stock)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING `+productColumns,
		p.SKU, p.Name, p.PictureURL, p.PhysicalStock))
}

func (r *Repo) DeleteProduct(ctx context.Context, id int64) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrProductInUse
		}
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// PgxTx implements Tx over a pgx transaction. Order transactions embed it so
// stock can move in the same commit as a status change.
type PgxTx struct{ Tx pgx.Tx }

func (t PgxTx) LockProduct(ctx context.Context, id int64) (Product, error) {
	p, err := scanProduct(t.Tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

func (t PgxTx) ReservedQuantity(ctx context.Context, productID int64) (int, error) {
	var reserved int64
	err := t.Tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(l.quantity), 0)
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		WHERE l.product_id = $1 AND o.status <> ALL($2)`,
		productID, ReleasedStatuses).Scan(&reserved)
	return int(reserved), err
}

func (t PgxTx) SaveStock(ctx context.Context, p Product) error {
	ct, err := t.Tx.Exec(ctx, `
		UPDATE products SET physical_stock=$2, available_stock=$3, updated_at=now()
		WHERE id=$1`, p.ID, p.PhysicalStock, p.AvailableStock)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrProductNotFound
	}
	return nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.PictureURL, &p.PhysicalStock, &p.AvailableStock, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
