package postgres

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-virtual-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"time"
)

const uniqueViolation = "23505"

// Store implements orders.Store on Postgres. Each unit of work is one READ
// COMMITTED transaction; contention on a product is serialized by the
// FOR UPDATE lock on its products row, taken before its credentials are read.
type Store struct{ DB *pgxpool.Pool }

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) FindUser(ctx context.Context, id int64) (orders.User, error) {
	var u orders.User
	err := t.tx.QueryRow(ctx, `SELECT id, username, email, active FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.User{}, &orders.NotFoundError{Entity: "user", ID: id}
	}
	return u, err
}

const productCols = `id, name, price, category_id, stock, active, created_at, updated_at`

func scanProducts(rows pgx.Rows) (map[int64]orders.Product, []orders.Product, error) {
	defer rows.Close()
	byID := map[int64]orders.Product{}
	var list []orders.Product
	for rows.Next() {
		var p orders.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.CategoryID, &p.Stock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, nil, err
		}
		byID[p.ID] = p
		list = append(list, p)
	}
	return byID, list, rows.Err()
}

func (t *pgTx) LockProducts(ctx context.Context, ids []int64) (map[int64]orders.Product, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+productCols+` FROM products
		WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	byID, _, err := scanProducts(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, &orders.NotFoundError{Entity: "product", ID: id}
		}
	}
	return byID, nil
}

func (t *pgTx) FindProducts(ctx context.Context, ids []int64) (map[int64]orders.Product, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+productCols+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	byID, _, err := scanProducts(rows)
	return byID, err
}

func (t *pgTx) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	_, list, err := scanProducts(rows)
	return list, err
}

func (t *pgTx) AdjustStock(ctx context.Context, productID int64, delta int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, delta)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return &orders.NotFoundError{Entity: "product", ID: productID}
	}
	return nil
}

func (t *pgTx) LockAvailableCredentials(ctx context.Context, productID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return []int64{}, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM credentials
		WHERE product_id = $1 AND status = 'AVAILABLE'
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE`, productID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (t *pgTx) ClaimCredentials(ctx context.Context, itemID int64, ids []int64, soldAt time.Time) (int64, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE credentials SET status = 'SOLD', order_item_id = $1, sold_at = $2
		WHERE id = ANY($3) AND status = 'AVAILABLE'`, itemID, soldAt, ids)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *pgTx) ClaimedCredentials(ctx context.Context, itemIDs []int64) ([]orders.Credential, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, product_id, status, secret, order_item_id, sold_at, created_at
		FROM credentials WHERE order_item_id = ANY($1) ORDER BY id`, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Credential
	for rows.Next() {
		var (
			c      orders.Credential
			status string
		)
		if err := rows.Scan(&c.ID, &c.ProductID, &status, &c.Secret, &c.OrderItemID, &c.SoldAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Status = orders.CredentialStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) ReleaseCredentials(ctx context.Context, itemIDs []int64) (int64, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE credentials SET status = 'AVAILABLE', order_item_id = NULL, sold_at = NULL
		WHERE order_item_id = ANY($1) AND status = 'SOLD'`, itemIDs)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (t *pgTx) InsertCredentials(ctx context.Context, productID int64, secrets []string, at time.Time) ([]orders.Credential, error) {
	out := make([]orders.Credential, 0, len(secrets))
	for _, sec := range secrets {
		c := orders.Credential{ProductID: productID, Status: orders.CredentialAvailable, Secret: sec, CreatedAt: at}
		err := t.tx.QueryRow(ctx, `
			INSERT INTO credentials(product_id, status, secret, created_at)
			VALUES ($1, 'AVAILABLE', $2, $3) RETURNING id`, productID, sec, at).Scan(&c.ID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return nil, &orders.NotFoundError{Entity: "product", ID: productID}
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func statusArg(s *orders.Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// InsertOrder runs inside a savepoint so a code collision does not abort
// the surrounding transaction.
func (t *pgTx) InsertOrder(ctx context.Context, o *orders.Order) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	err = sp.QueryRow(ctx, `
		INSERT INTO orders(code, user_id, status, total_amount, customer_note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		o.Code, o.UserID, statusArg(o.Status), o.TotalAmount, o.CustomerNote, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		_ = sp.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "orders_code_key" {
			return orders.ErrDuplicateCode
		}
		return err
	}
	return sp.Commit(ctx)
}

const orderCols = `id, code, user_id, status, total_amount, customer_note, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o      orders.Order
		status *string
	)
	if err := row.Scan(&o.ID, &o.Code, &o.UserID, &status, &o.TotalAmount, &o.CustomerNote, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return orders.Order{}, err
	}
	if status != nil {
		st := orders.Status(*status)
		o.Status = &st
	}
	return o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id int64, forUpdate bool) (orders.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE id=$1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	o, err := scanOrder(t.tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, &orders.NotFoundError{Entity: "order", ID: id}
	}
	return o, err
}

func (t *pgTx) ListOrdersByUser(ctx context.Context, userID int64) ([]orders.Order, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+orderCols+` FROM orders
		WHERE user_id=$1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateOrder(ctx context.Context, o orders.Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, total_amount=$3, customer_note=$4, updated_at=$5
		WHERE id=$1`, o.ID, statusArg(o.Status), o.TotalAmount, o.CustomerNote, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return &orders.NotFoundError{Entity: "order", ID: o.ID}
	}
	return nil
}

func (t *pgTx) DeleteOrder(ctx context.Context, id int64) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return &orders.NotFoundError{Entity: "order", ID: id}
	}
	return nil
}

func (t *pgTx) InsertItem(ctx context.Context, it *orders.OrderItem) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO order_items(order_id, product_id, position, quantity, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		it.OrderID, it.ProductID, it.Position, it.Quantity, it.UnitPrice, it.TotalPrice,
	).Scan(&it.ID)
}

func (t *pgTx) ListItems(ctx context.Context, orderID int64) ([]orders.OrderItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, product_id, position, quantity, unit_price, total_price, delivered_at
		FROM order_items WHERE order_id=$1 ORDER BY position, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.OrderItem
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Position, &it.Quantity,
			&it.UnitPrice, &it.TotalPrice, &it.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *pgTx) DeleteItems(ctx context.Context, orderID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM order_items WHERE order_id=$1`, orderID)
	return err
}

func (t *pgTx) MarkDelivered(ctx context.Context, orderID int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE order_items SET delivered_at=$2 WHERE order_id=$1 AND delivered_at IS NULL`, orderID, at)
	return err
}

var _ orders.Store = (*Store)(nil)
