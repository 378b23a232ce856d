package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/marketplace/internal/pagination"
)

// PostgresStore persists escrow aggregates in PostgreSQL. Ledger rows are
// protected from UPDATE and DELETE by a trigger (see migrations).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, pay *Payment, entries []LedgerEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			id, order_id, buyer_id, total_amount, currency, original_transaction_id,
			status, released_amount, refunded_amount, version,
			created_at, updated_at, released_at, refunded_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5, $6,
			$7, $8::NUMERIC(20,2), $9::NUMERIC(20,2), $10,
			$11, $12, $13, $14
		)`,
		pay.ID, pay.OrderID, pay.BuyerID, pay.TotalAmount, pay.Currency, pay.OriginalTransactionID,
		string(pay.Status), pay.ReleasedAmount, pay.RefundedAmount, pay.Version,
		pay.CreatedAt, pay.UpdatedAt, nullTime(pay.ReleasedAt), nullTime(pay.RefundedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert escrow payment: %w", err)
	}

	for _, a := range pay.Allocations {
		if err := insertAllocation(ctx, tx, &a); err != nil {
			return err
		}
	}
	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAllocation(ctx context.Context, tx *sql.Tx, a *Allocation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_allocations (
			id, escrow_payment_id, position, store_id, shipment_id, currency,
			seller_amount, shipping_amount, total_amount, commission_amount, commission_rate,
			seller_payout, status, cumulative_refunded, commission_refunded,
			payout_eligible_at, released_at, refunded_at, payout_reference, refund_reference,
			refund_hold, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,2), $8::NUMERIC(20,2), $9::NUMERIC(20,2), $10::NUMERIC(20,2), $11::NUMERIC(6,4),
			$12::NUMERIC(20,2), $13, $14::NUMERIC(20,2), $15::NUMERIC(20,2),
			$16, $17, $18, $19, $20,
			$21, $22
		)`,
		a.ID, a.EscrowPaymentID, a.Position, a.StoreID, a.ShipmentID, a.Currency,
		a.SellerAmount, a.ShippingAmount, a.TotalAmount, a.CommissionAmount, a.CommissionRate,
		a.SellerPayout, string(a.Status), a.CumulativeRefunded, a.CommissionRefunded,
		nullTime(a.PayoutEligibleAt), nullTime(a.ReleasedAt), nullTime(a.RefundedAt),
		nullString(a.PayoutReference), nullString(a.RefundReference),
		nullString(a.RefundHold), a.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: shipment %s already allocated", ErrInvalidAllocation, a.ShipmentID)
		}
		return fmt.Errorf("insert allocation %s: %w", a.ShipmentID, err)
	}
	return nil
}

func insertEntries(ctx context.Context, tx *sql.Tx, entries []LedgerEntry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_ledger_entries (id, escrow_payment_id, allocation_id, entry_type, amount, commission, reference, created_at)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7, $8)`,
			e.ID, e.EscrowPaymentID, nullString(e.AllocationID), string(e.EntryType),
			e.Amount, e.Commission, nullString(e.Reference), e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
	}
	return nil
}

// Apply performs the version compare-and-swap, rewrites the mutable
// allocation columns and appends the entries in one transaction.
func (p *PostgresStore) Apply(ctx context.Context, pay *Payment, expectedVersion int64, entries []LedgerEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_payments SET
			status = $1, released_amount = $2::NUMERIC(20,2), refunded_amount = $3::NUMERIC(20,2),
			released_at = $4, refunded_at = $5, updated_at = $6, version = version + 1
		WHERE id = $7 AND version = $8`,
		string(pay.Status), pay.ReleasedAmount, pay.RefundedAmount,
		nullTime(pay.ReleasedAt), nullTime(pay.RefundedAt), pay.UpdatedAt,
		pay.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, pay.ID); errors.Is(err, ErrEscrowNotFound) {
			return ErrEscrowNotFound
		}
		return ErrVersionConflict
	}

	for _, a := range pay.Allocations {
		_, err := tx.ExecContext(ctx, `
			UPDATE escrow_allocations SET
				status = $1, cumulative_refunded = $2::NUMERIC(20,2), commission_refunded = $3::NUMERIC(20,2),
				payout_eligible_at = $4, released_at = $5, refunded_at = $6,
				payout_reference = $7, refund_reference = $8, refund_hold = $9
			WHERE id = $10`,
			string(a.Status), a.CumulativeRefunded, a.CommissionRefunded,
			nullTime(a.PayoutEligibleAt), nullTime(a.ReleasedAt), nullTime(a.RefundedAt),
			nullString(a.PayoutReference), nullString(a.RefundReference), nullString(a.RefundHold), a.ID,
		)
		if err != nil {
			return fmt.Errorf("update allocation %s: %w", a.ID, err)
		}
	}
	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	pay.Version = expectedVersion + 1
	return nil
}

const paymentColumns = `id, order_id, buyer_id, total_amount, currency, original_transaction_id,
		status, released_amount, refunded_amount, version,
		created_at, updated_at, released_at, refunded_at`

const allocationColumns = `id, escrow_payment_id, position, store_id, shipment_id, currency,
		seller_amount, shipping_amount, total_amount, commission_amount, commission_rate,
		seller_payout, status, cumulative_refunded, commission_refunded,
		payout_eligible_at, released_at, refunded_at, payout_reference, refund_reference,
		refund_hold, created_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return p.getWhere(ctx, `id = $1`, id)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return p.getWhere(ctx, `order_id = $1`, orderID)
}

func (p *PostgresStore) GetByShipment(ctx context.Context, shipmentID string) (*Payment, error) {
	return p.getWhere(ctx, `id = (SELECT escrow_payment_id FROM escrow_allocations WHERE shipment_id = $1)`, shipmentID)
}

func (p *PostgresStore) getWhere(ctx context.Context, where string, arg string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE `+where, arg)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+allocationColumns+`
		FROM escrow_allocations WHERE escrow_payment_id = $1
		ORDER BY position ASC`, pay.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	pay.Allocations, err = scanAllocations(rows)
	if err != nil {
		return nil, err
	}
	return pay, nil
}

func (p *PostgresStore) Entries(ctx context.Context, paymentID string) ([]LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, id, escrow_payment_id, COALESCE(allocation_id, ''), entry_type, amount, commission,
			COALESCE(reference, ''), created_at
		FROM escrow_ledger_entries
		WHERE escrow_payment_id = $1
		ORDER BY seq ASC`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			e   LedgerEntry
			typ string
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.EscrowPaymentID, &e.AllocationID, &typ, &e.Amount, &e.Commission, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EntryType = EntryType(typ)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) ListAllocationsByStore(ctx context.Context, storeID string, status AllocationStatus, after *pagination.Cursor, limit int) ([]Allocation, error) {
	query := `SELECT ` + allocationColumns + ` FROM escrow_allocations WHERE store_id = $1`
	args := []interface{}{storeID}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAllocations(rows)
}

func (p *PostgresStore) ListPaymentIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM escrow_payments WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		status     string
		releasedAt sql.NullTime
		refundedAt sql.NullTime
	)
	err := s.Scan(
		&pay.ID, &pay.OrderID, &pay.BuyerID, &pay.TotalAmount, &pay.Currency, &pay.OriginalTransactionID,
		&status, &pay.ReleasedAmount, &pay.RefundedAmount, &pay.Version,
		&pay.CreatedAt, &pay.UpdatedAt, &releasedAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}
	pay.Status = PaymentStatus(status)
	pay.ReleasedAt = timePtr(releasedAt)
	pay.RefundedAt = timePtr(refundedAt)
	return pay, nil
}

func scanAllocations(rows *sql.Rows) ([]Allocation, error) {
	var out []Allocation
	for rows.Next() {
		var (
			a                             Allocation
			status                        string
			eligibleAt, releasedAt, refAt sql.NullTime
			payoutRef, refundRef, hold    sql.NullString
		)
		err := rows.Scan(
			&a.ID, &a.EscrowPaymentID, &a.Position, &a.StoreID, &a.ShipmentID, &a.Currency,
			&a.SellerAmount, &a.ShippingAmount, &a.TotalAmount, &a.CommissionAmount, &a.CommissionRate,
			&a.SellerPayout, &status, &a.CumulativeRefunded, &a.CommissionRefunded,
			&eligibleAt, &releasedAt, &refAt, &payoutRef, &refundRef,
			&hold, &a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		a.Status = AllocationStatus(status)
		a.PayoutEligibleAt = timePtr(eligibleAt)
		a.ReleasedAt = timePtr(releasedAt)
		a.RefundedAt = timePtr(refAt)
		a.PayoutReference = payoutRef.String
		a.RefundReference = refundRef.String
		a.RefundHold = hold.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
