package escrow

import (
	"context"

	"github.com/mbd888/marketplace/internal/pagination"
)

// Store persists escrow aggregates together with their ledger entries.
//
// Create and Apply must write the payment, its allocations and the given
// entries atomically. Apply is a compare-and-swap on Version: it fails
// with ErrVersionConflict when the stored version is not expectedVersion,
// and on success sets p.Version to expectedVersion+1.
type Store interface {
	Create(ctx context.Context, p *Payment, entries []LedgerEntry) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByOrder(ctx context.Context, orderID string) (*Payment, error)
	GetByShipment(ctx context.Context, shipmentID string) (*Payment, error)
	Apply(ctx context.Context, p *Payment, expectedVersion int64, entries []LedgerEntry) error
	Entries(ctx context.Context, paymentID string) ([]LedgerEntry, error)
	ListAllocationsByStore(ctx context.Context, storeID string, status AllocationStatus, after *pagination.Cursor, limit int) ([]Allocation, error)
	ListPaymentIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}
