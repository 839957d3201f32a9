package shops

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const configColumns = `id, shop_url, access_token, COALESCE(location_id, 0), active, last_sync_at, created_at, updated_at`

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) ActiveConfigs(ctx context.Context) ([]Config, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+configColumns+` FROM shop_configs WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repo) Config(ctx context.Context, id int64) (Config, error) {
	return notFound(scanConfig(r.DB.QueryRow(ctx, `SELECT `+configColumns+` FROM shop_configs WHERE id=$1`, id)))
}

func (r *Repo) ConfigByShop(ctx context.Context, shopURL string) (Config, error) {
	return notFound(scanConfig(r.DB.QueryRow(ctx, `SELECT `+configColumns+` FROM shop_configs WHERE shop_url=$1`, shopURL)))
}

func (r *Repo) UpsertConfig(ctx context.Context, c Config) (Config, error) {
	return scanConfig(r.DB.QueryRow(ctx, `
		INSERT INTO shop_configs(shop_url, access_token, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (shop_url) DO UPDATE
		SET access_token = EXCLUDED.access_token, active = EXCLUDED.active, updated_at = now()
		RETURNING `+configColumns,
		c.ShopURL, c.AccessToken, c.Active))
}

func (r *Repo) SaveSyncState(ctx context.Context, id int64, at time.Time) error {
	return execOne(r.DB.Exec(ctx, `UPDATE shop_configs SET last_sync_at=$2, updated_at=now() WHERE id=$1`, id, at))
}

func (r *Repo) SetLocationID(ctx context.Context, id, locationID int64) error {
	return execOne(r.DB.Exec(ctx, `UPDATE shop_configs SET location_id=NULLIF($2, 0), updated_at=now() WHERE id=$1`, id, locationID))
}

func (r *Repo) UpsertOrderLink(ctx context.Context, l OrderLink) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO shop_order_links(config_id, order_id, remote_order_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (config_id, order_id) DO UPDATE
		SET remote_order_id = EXCLUDED.remote_order_id, updated_at = now()`,
		l.ConfigID, l.OrderID, l.RemoteOrderID)
	return err
}

func (r *Repo) OrderLinkFor(ctx context.Context, orderID int64) (OrderLink, error) {
	var l OrderLink
	err := r.DB.QueryRow(ctx, `
		SELECT config_id, order_id, remote_order_id FROM shop_order_links
		WHERE order_id=$1 ORDER BY config_id LIMIT 1`, orderID).Scan(&l.ConfigID, &l.OrderID, &l.RemoteOrderID)
	return notFound(l, err)
}

func (r *Repo) ProductLink(ctx context.Context, configID, productID int64) (ProductLink, error) {
	var l ProductLink
	err := r.DB.QueryRow(ctx, `
		SELECT config_id, product_id, inventory_item_id FROM shop_product_links
		WHERE config_id=$1 AND product_id=$2`, configID, productID).Scan(&l.ConfigID, &l.ProductID, &l.InventoryItemID)
	return notFound(l, err)
}

func (r *Repo) CreateProductLink(ctx context.Context, l ProductLink) (ProductLink, error) {
	if _, err := r.DB.Exec(ctx, `
		INSERT INTO shop_product_links(config_id, product_id, inventory_item_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (config_id, product_id) DO NOTHING`,
		l.ConfigID, l.ProductID, l.InventoryItemID); err != nil {
		return ProductLink{}, err
	}
	return r.ProductLink(ctx, l.ConfigID, l.ProductID)
}

func scanConfig(row pgx.Row) (Config, error) {
	var c Config
	err := row.Scan(&c.ID, &c.ShopURL, &c.AccessToken, &c.LocationID, &c.Active, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func notFound[T any](v T, err error) (T, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		var zero T
		return zero, ErrNotFound
	}
	return v, err
}

func execOne(ct pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
