package refund

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const activeRefundIndex = "idx_refunds_order_active"

// PostgresStore persists refunds in PostgreSQL. The one-active-refund
// rule is enforced by a partial unique index on order_id.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `
	id, order_id, shipment_id, buyer_id, store_id, type, amount, currency,
	commission_refund_amount, reason, original_transaction_id, initiated_by_id,
	initiator_type, status, refund_transaction_id, error_message, error_code,
	retry_count, idempotency_key, version, created_at, updated_at,
	processing_started_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, r *Refund) error {
	r.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7::NUMERIC(20,2), $8,
			$9::NUMERIC(20,2), $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24
		)`,
		r.ID, r.OrderID, nullString(r.ShipmentID), r.BuyerID, nullString(r.StoreID), string(r.Type), r.Amount, r.Currency,
		r.CommissionRefundAmount, r.Reason, r.OriginalTransactionID, r.InitiatedByID,
		string(r.InitiatorType), string(r.Status), nullString(r.RefundTransactionID), nullString(r.ErrorMessage), nullString(r.ErrorCode),
		r.RetryCount, r.IdempotencyKey, r.Version, r.CreatedAt, r.UpdatedAt,
		nullTime(r.ProcessingStartedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		if isActiveViolation(err) {
			return ErrRefundInProgress
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Refund, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRefunds(rows)
}

func (p *PostgresStore) Update(ctx context.Context, r *Refund, expected Status) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE refunds SET
			status = $1, refund_transaction_id = $2, error_message = $3, error_code = $4,
			retry_count = $5, updated_at = $6, processing_started_at = $7, completed_at = $8,
			commission_refund_amount = $9::NUMERIC(20,2), version = version + 1
		WHERE id = $10 AND status = $11 AND version = $12`,
		string(r.Status), nullString(r.RefundTransactionID), nullString(r.ErrorMessage), nullString(r.ErrorCode),
		r.RetryCount, r.UpdatedAt, nullTime(r.ProcessingStartedAt), nullTime(r.CompletedAt),
		r.CommissionRefundAmount, r.ID, string(expected), r.Version,
	)
	if err != nil {
		if isActiveViolation(err) {
			return ErrRefundInProgress
		}
		return fmt.Errorf("update refund: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, r.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	r.Version++
	return nil
}

func (p *PostgresStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*Refund, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE (status = 'processing' AND processing_started_at < $1)
		   OR (status = 'pending' AND created_at < $1)
		ORDER BY CASE WHEN status = 'processing' THEN processing_started_at ELSE created_at END, id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRefunds(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRefund(sc scanner) (*Refund, error) {
	var (
		r                                    Refund
		typ, initiatorType, status           string
		shipmentID, storeID, txID, msg, code sql.NullString
		processingStarted, completed         sql.NullTime
	)
	err := sc.Scan(
		&r.ID, &r.OrderID, &shipmentID, &r.BuyerID, &storeID, &typ, &r.Amount, &r.Currency,
		&r.CommissionRefundAmount, &r.Reason, &r.OriginalTransactionID, &r.InitiatedByID,
		&initiatorType, &status, &txID, &msg, &code,
		&r.RetryCount, &r.IdempotencyKey, &r.Version, &r.CreatedAt, &r.UpdatedAt,
		&processingStarted, &completed,
	)
	if err != nil {
		return nil, err
	}
	r.Type = Type(typ)
	r.InitiatorType = InitiatorType(initiatorType)
	r.Status = Status(status)
	r.ShipmentID = shipmentID.String
	r.StoreID = storeID.String
	r.RefundTransactionID = txID.String
	r.ErrorMessage = msg.String
	r.ErrorCode = code.String
	r.ProcessingStartedAt = timePtr(processingStarted)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

func scanRefunds(rows *sql.Rows) ([]*Refund, error) {
	var out []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isActiveViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeRefundIndex
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

var _ Store = (*PostgresStore)(nil)
