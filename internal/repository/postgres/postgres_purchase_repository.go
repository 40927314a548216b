package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tickethub/payment-reconciler/internal/infrastructure/observability"
	"github.com/tickethub/payment-reconciler/internal/models"
	pkgerrors "github.com/tickethub/payment-reconciler/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const purchaseColumns = `id, transaction_reference, event_id, buyer_name, buyer_email,
       tickets_quantity, amount_paid, payment_status, gateway_transaction_id,
       raw_gateway_payload, created_at, updated_at`

type PostgresPurchaseRepository struct {
	db *sql.DB
}

func NewPostgresPurchaseRepository(db *sql.DB) *PostgresPurchaseRepository {
	return &PostgresPurchaseRepository{db: db}
}

func (r *PostgresPurchaseRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.PurchaseRecord, error) {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "FindPurchaseByID")
	span.SetAttributes(attribute.String("purchase_id", id.String()))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("FindPurchaseByID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("FindPurchaseByID").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`
	record, err := scanPurchase(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrRecordNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to find purchase by id", "method", "FindByID", "purchase_id", id, "error", err)
		return nil, fmt.Errorf("failed to find purchase by id: %w", err)
	}
	return record, nil
}

func (r *PostgresPurchaseRepository) FindByReference(ctx context.Context, reference string) (*models.PurchaseRecord, error) {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "FindPurchaseByReference")
	span.SetAttributes(attribute.String("transaction_reference", reference))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("FindPurchaseByReference", status).Inc()
		observability.RepositoryDuration.WithLabelValues("FindPurchaseByReference").Observe(time.Since(start).Seconds())
	}()

	if reference == "" {
		err = pkgerrors.ErrInvalidReference
		return nil, err
	}

	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE transaction_reference = $1`
	record, err := scanPurchase(r.db.QueryRowContext(ctx, query, reference))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrRecordNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to find purchase by reference", "method", "FindByReference", "transaction_reference", reference, "error", err)
		return nil, fmt.Errorf("failed to find purchase by reference: %w", err)
	}
	return record, nil
}

func (r *PostgresPurchaseRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.PurchaseRecord, error) {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "ListPendingPurchases")
	span.SetAttributes(attribute.Int("limit", limit))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ListPendingPurchases", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ListPendingPurchases").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE payment_status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, models.StatusPending, cutoff, limit)
	if err != nil {
		slog.Error("failed to list pending purchases", "method", "ListPendingOlderThan", "error", err)
		return nil, fmt.Errorf("failed to list pending purchases: %w", err)
	}
	defer rows.Close()

	var records []models.PurchaseRecord
	for rows.Next() {
		record, scanErr := scanPurchase(rows)
		if scanErr != nil {
			err = scanErr
			slog.Error("failed to scan pending purchase", "method", "ListPendingOlderThan", "error", err)
			return nil, fmt.Errorf("failed to scan pending purchase: %w", err)
		}
		records = append(records, *record)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending purchases: %w", err)
	}

	slog.Info("pending purchases listed", "method", "ListPendingOlderThan", "count", len(records))
	return records, nil
}

func (r *PostgresPurchaseRepository) InsertIfAbsent(ctx context.Context, record *models.PurchaseRecord) error {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "InsertPurchase")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("InsertPurchase", status).Inc()
		observability.RepositoryDuration.WithLabelValues("InsertPurchase").Observe(time.Since(start).Seconds())
	}()

	if record == nil {
		err = pkgerrors.ErrNilRecord
		return err
	}
	if record.TransactionReference == "" {
		err = pkgerrors.ErrInvalidReference
		return err
	}
	if !record.PaymentStatus.Valid() {
		err = pkgerrors.ErrInvalidStatus
		slog.Error("invalid payment status", "method", "InsertIfAbsent", "status", record.PaymentStatus, "error", err)
		return err
	}
	if record.TicketsQuantity <= 0 {
		err = pkgerrors.ErrInvalidQuantity
		return err
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	span.SetAttributes(
		attribute.String("purchase_id", record.ID.String()),
		attribute.String("transaction_reference", record.TransactionReference),
		attribute.String("payment_status", string(record.PaymentStatus)),
	)

	// The unique index on transaction_reference plus DO NOTHING makes this
	// the atomic insert-if-absent the fallback-creation path relies on.
	query := `INSERT INTO purchases (id, transaction_reference, event_id, buyer_name, buyer_email,
			tickets_quantity, amount_paid, payment_status, gateway_transaction_id, raw_gateway_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transaction_reference) DO NOTHING
		RETURNING created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query,
		record.ID,
		record.TransactionReference,
		record.EventID,
		record.BuyerName,
		record.BuyerEmail,
		record.TicketsQuantity,
		record.AmountPaid,
		record.PaymentStatus,
		record.GatewayTransactionID,
		[]byte(record.RawGatewayPayload),
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrDuplicateReference
		slog.Warn("purchase already exists for reference", "method", "InsertIfAbsent", "transaction_reference", record.TransactionReference)
		return err
	}
	if err != nil {
		slog.Error("failed to insert purchase", "method", "InsertIfAbsent", "transaction_reference", record.TransactionReference, "error", err)
		return fmt.Errorf("failed to insert purchase: %w", err)
	}

	slog.Info("purchase inserted", "method", "InsertIfAbsent", "purchase_id", record.ID, "transaction_reference", record.TransactionReference, "payment_status", record.PaymentStatus)
	return nil
}

func (r *PostgresPurchaseRepository) UpdateIfStatus(ctx context.Context, id uuid.UUID, expected models.PaymentStatus, patch models.PurchasePatch) (bool, error) {
	var err error
	tracer := otel.Tracer("purchase-repository")
	ctx, span := tracer.Start(ctx, "UpdatePurchaseIfStatus")
	span.SetAttributes(
		attribute.String("purchase_id", id.String()),
		attribute.String("expected_status", string(expected)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("UpdatePurchaseIfStatus", status).Inc()
		observability.RepositoryDuration.WithLabelValues("UpdatePurchaseIfStatus").Observe(time.Since(start).Seconds())
	}()

	if !expected.Valid() {
		err = pkgerrors.ErrInvalidStatus
		return false, err
	}
	if patch.PaymentStatus != nil && !patch.PaymentStatus.Valid() {
		err = pkgerrors.ErrInvalidStatus
		slog.Error("invalid patch status", "method", "UpdateIfStatus", "status", *patch.PaymentStatus, "error", err)
		return false, err
	}

	// Compare-and-swap on the current status. Losing a race here is not an
	// error: zero rows means another path already moved the record on.
	query := `UPDATE purchases
		SET payment_status = COALESCE($3, payment_status),
		    amount_paid = COALESCE($4, amount_paid),
		    gateway_transaction_id = COALESCE($5, gateway_transaction_id),
		    raw_gateway_payload = COALESCE($6, raw_gateway_payload),
		    updated_at = NOW()
		WHERE id = $1 AND payment_status = $2`
	res, err := r.db.ExecContext(ctx, query,
		id,
		expected,
		patch.PaymentStatus,
		patch.AmountPaid,
		patch.GatewayTransactionID,
		[]byte(patch.RawGatewayPayload),
	)
	if err != nil {
		slog.Error("failed to update purchase", "method", "UpdateIfStatus", "purchase_id", id, "error", err)
		return false, fmt.Errorf("failed to update purchase: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		slog.Info("conditional update lost the race", "method", "UpdateIfStatus", "purchase_id", id, "expected_status", expected)
		return false, nil
	}

	slog.Info("purchase updated", "method", "UpdateIfStatus", "purchase_id", id, "expected_status", expected)
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*models.PurchaseRecord, error) {
	var record models.PurchaseRecord
	var raw []byte
	err := row.Scan(
		&record.ID,
		&record.TransactionReference,
		&record.EventID,
		&record.BuyerName,
		&record.BuyerEmail,
		&record.TicketsQuantity,
		&record.AmountPaid,
		&record.PaymentStatus,
		&record.GatewayTransactionID,
		&raw,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.RawGatewayPayload = raw
	return &record, nil
}
