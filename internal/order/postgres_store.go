package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, total_amount, currency, original_transaction_id,
			status, refunded_amount, created_at, updated_at
		) VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7::NUMERIC(20,2), $8, $9)`,
		o.ID, o.BuyerID, o.TotalAmount, o.Currency, o.OriginalTransactionID,
		string(o.Status), o.RefundedAmount, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrOrderExists
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, s := range o.Shipments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_shipments (id, order_id, store_id, position, subtotal, shipping_amount)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6::NUMERIC(20,2))`,
			s.ID, o.ID, s.StoreID, i, s.Subtotal, s.ShippingAmount,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: shipment %s already exists", ErrInvalidOrder, s.ID)
		}
		if err != nil {
			return fmt.Errorf("insert shipment %s: %w", s.ID, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	return p.get(ctx, p.db, id, false)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (p *PostgresStore) get(ctx context.Context, q querier, id string, forUpdate bool) (*Order, error) {
	query := `
		SELECT id, buyer_id, total_amount, currency, original_transaction_id,
		       status, refunded_amount, created_at, updated_at
		FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	o := &Order{}
	var status string
	err := q.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.BuyerID, &o.TotalAmount, &o.Currency, &o.OriginalTransactionID,
		&status, &o.RefundedAmount, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)

	rows, err := q.QueryContext(ctx, `
		SELECT id, store_id, subtotal, shipping_amount
		FROM order_shipments WHERE order_id = $1
		ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var s Shipment
		if err := rows.Scan(&s.ID, &s.StoreID, &s.Subtotal, &s.ShippingAmount); err != nil {
			return nil, err
		}
		o.Shipments = append(o.Shipments, s)
	}
	return o, rows.Err()
}

// RecordRefund locks the order row so concurrent completions cannot push
// the refunded total past the order total. The refund id is claimed in
// order_refunds inside the same transaction.
func (p *PostgresStore) RecordRefund(ctx context.Context, orderID, refundID string, amount decimal.Decimal, now time.Time) (*Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := p.get(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO order_refunds (refund_id, order_id, amount, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4)
		ON CONFLICT (refund_id) DO NOTHING`,
		refundID, orderID, amount, now,
	)
	if err != nil {
		return nil, fmt.Errorf("claim refund %s: %w", refundID, err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return o, nil
	}

	if err := o.applyRefund(amount, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET refunded_amount = $1::NUMERIC(20,2), status = $2, updated_at = $3
		WHERE id = $4`,
		o.RefundedAmount, string(o.Status), o.UpdatedAt, o.ID,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) StoreOwner(ctx context.Context, storeID string) (string, error) {
	var owner string
	err := p.db.QueryRowContext(ctx, `SELECT owner_user_id FROM stores WHERE id = $1`, storeID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ErrStoreNotFound
	}
	return owner, err
}

func (p *PostgresStore) SetStoreOwner(ctx context.Context, storeID, ownerUserID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stores (id, owner_user_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET owner_user_id = EXCLUDED.owner_user_id`,
		storeID, ownerUserID)
	return err
}

var _ Store = (*PostgresStore)(nil)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
