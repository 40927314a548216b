package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tickethub/payment-reconciler/internal/models"
)

// PurchaseRepository is the store adapter for purchase records. All mutual
// exclusion between reconciliation paths is expressed here as conditional
// writes; callers never hold locks across gateway calls.
type PurchaseRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.PurchaseRecord, error)
	FindByReference(ctx context.Context, reference string) (*models.PurchaseRecord, error)

	// ListPendingOlderThan returns pending records created before cutoff,
	// oldest first, capped at limit.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseRecord, error)

	// InsertIfAbsent inserts the record unless its transaction reference is
	// already present, in which case it returns ErrDuplicateReference and
	// writes nothing.
	InsertIfAbsent(ctx context.Context, record *models.PurchaseRecord) error

	// UpdateIfStatus applies patch only while the record still has the
	// expected status. Returns false when the precondition failed because a
	// concurrent path already reconciled the record.
	UpdateIfStatus(ctx context.Context, id uuid.UUID, expected models.PaymentStatus, patch models.PurchasePatch) (bool, error)
}
