package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	stderrors "errors"

	"github.com/google/uuid"
	"github.com/tickethub/payment-reconciler/internal/gateway"
	"github.com/tickethub/payment-reconciler/internal/infrastructure/kafka"
	"github.com/tickethub/payment-reconciler/internal/infrastructure/observability"
	"github.com/tickethub/payment-reconciler/internal/infrastructure/redis"
	"github.com/tickethub/payment-reconciler/internal/models"
	"github.com/tickethub/payment-reconciler/internal/reconcile"
	"github.com/tickethub/payment-reconciler/internal/repository"
	pkgerrors "github.com/tickethub/payment-reconciler/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	paymentEventsTopic = "payment-events"
	webhookDedupTTL    = 10 * time.Minute
	sweepLockKey       = "payments:sweep:lock"
)

type InitializePurchaseRequest struct {
	EventID         uuid.UUID
	BuyerName       string
	BuyerEmail      string
	TicketsQuantity int32
	Amount          int64
}

type InitializePurchaseResult struct {
	PurchaseID           uuid.UUID
	TransactionReference string
	CheckoutURL          string
}

type VerifyResult struct {
	Verified bool
	Status   models.PaymentStatus
}

// ReconciliationService is the single entry point for all three
// reconciliation paths plus the purchase-intent flow.
type ReconciliationService interface {
	InitializePurchase(ctx context.Context, req InitializePurchaseRequest) (*InitializePurchaseResult, error)
	ProcessWebhook(ctx context.Context, v models.VerificationResult, rawBody []byte) error
	VerifyPurchase(ctx context.Context, reference string) (*VerifyResult, error)
	Sweep(ctx context.Context) (*models.SweepReport, error)
}

type reconciliationService struct {
	purchaseRepo    repository.PurchaseRepository
	gatewayClient   gateway.Client
	redisClient     redis.RedisClient
	kafkaProducer   kafka.KafkaProducer
	sweepBatchSize  int
	sweepPendingAge time.Duration
}

var _ ReconciliationService = (*reconciliationService)(nil)

func NewReconciliationService(
	purchaseRepo repository.PurchaseRepository,
	gatewayClient gateway.Client,
	redisClient redis.RedisClient,
	kafkaProducer kafka.KafkaProducer,
	sweepBatchSize int,
	sweepPendingAge time.Duration,
) *reconciliationService {
	return &reconciliationService{
		purchaseRepo:    purchaseRepo,
		gatewayClient:   gatewayClient,
		redisClient:     redisClient,
		kafkaProducer:   kafkaProducer,
		sweepBatchSize:  sweepBatchSize,
		sweepPendingAge: sweepPendingAge,
	}
}

func (s *reconciliationService) InitializePurchase(ctx context.Context, req InitializePurchaseRequest) (*InitializePurchaseResult, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "InitializePurchase")
	defer span.End()

	if req.TicketsQuantity <= 0 {
		span.SetStatus(codes.Error, "invalid quantity")
		return nil, pkgerrors.ErrInvalidQuantity
	}
	if req.Amount <= 0 {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, fmt.Errorf("amount must be positive")
	}

	record := &models.PurchaseRecord{
		ID:                   uuid.New(),
		TransactionReference: "TIX-" + uuid.NewString(),
		EventID:              req.EventID,
		BuyerName:            req.BuyerName,
		BuyerEmail:           req.BuyerEmail,
		TicketsQuantity:      req.TicketsQuantity,
		PaymentStatus:        models.StatusPending,
	}
	span.SetAttributes(attribute.String("transaction_reference", record.TransactionReference))

	if err := s.purchaseRepo.InsertIfAbsent(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "purchase insert failed")
		slog.Error("failed to create purchase intent",
			"transaction_reference", record.TransactionReference,
			"error", err)
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}

	init, err := s.gatewayClient.Initialize(ctx, record.TransactionReference, req.Amount, gateway.Buyer{
		Name:  req.BuyerName,
		Email: req.BuyerEmail,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway initialize failed")
		// The pending record stays behind; the sweep keeps an eye on it and
		// a retried intent gets a fresh reference.
		slog.Error("gateway initialize failed",
			"transaction_reference", record.TransactionReference,
			"error", err)
		return nil, err
	}

	s.publishEvent("purchase.created", record)

	slog.Info("purchase initialized",
		"purchase_id", record.ID,
		"transaction_reference", record.TransactionReference,
		"event_id", req.EventID)

	return &InitializePurchaseResult{
		PurchaseID:           record.ID,
		TransactionReference: record.TransactionReference,
		CheckoutURL:          init.CheckoutURL,
	}, nil
}

// ProcessWebhook reconciles a signature-verified webhook payload. The payload
// is gateway-authored, so it is trusted as a VerificationResult without a
// live re-verify round-trip.
func (s *reconciliationService) ProcessWebhook(ctx context.Context, v models.VerificationResult, rawBody []byte) error {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "ProcessWebhook")
	span.SetAttributes(
		attribute.String("transaction_reference", v.Reference),
		attribute.String("gateway_status", v.Status),
	)
	defer span.End()

	// Best-effort duplicate suppression; the reconciler's idempotence is the
	// actual correctness guarantee, so Redis being down only costs us a
	// no-op round through the store.
	var dedupKey string
	if len(rawBody) > 0 && s.redisClient != nil {
		digest := sha256.Sum256(rawBody)
		key := "webhook:seen:" + hex.EncodeToString(digest[:])
		fresh, err := s.redisClient.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), webhookDedupTTL)
		if err != nil {
			slog.Warn("webhook dedup check failed", "transaction_reference", v.Reference, "error", err)
		} else if !fresh {
			observability.WebhookEvents.WithLabelValues("duplicate").Inc()
			slog.Info("duplicate webhook suppressed", "transaction_reference", v.Reference)
			return nil
		} else {
			dedupKey = key
		}
	}

	_, updated, err := s.applyVerification(ctx, "webhook", v.Reference, v)
	if err != nil {
		// Release the dedup mark so the gateway's retry of this exact body is
		// processed instead of suppressed; the 500 the caller returns is only
		// useful if the redelivery gets through.
		if dedupKey != "" {
			if delErr := s.redisClient.Del(context.WithoutCancel(ctx), dedupKey); delErr != nil {
				slog.Warn("failed to release webhook dedup mark",
					"transaction_reference", v.Reference,
					"error", delErr)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook reconciliation failed")
		observability.WebhookEvents.WithLabelValues("error").Inc()
		return err
	}

	if updated {
		observability.WebhookEvents.WithLabelValues("reconciled").Inc()
	} else {
		observability.WebhookEvents.WithLabelValues("noop").Inc()
	}
	return nil
}

// VerifyPurchase is the synchronous, operator- or buyer-triggered path. It
// always hits the live gateway to resolve staleness.
func (s *reconciliationService) VerifyPurchase(ctx context.Context, reference string) (*VerifyResult, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "VerifyPurchase")
	span.SetAttributes(attribute.String("transaction_reference", reference))
	defer span.End()

	if reference == "" {
		return nil, pkgerrors.ErrInvalidReference
	}

	v, err := s.gatewayClient.Verify(ctx, reference)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway verify failed")
		// Retryable and rejected errors are both surfaced as-is; the record,
		// if any, stays pending either way.
		return nil, err
	}

	record, _, err := s.applyVerification(ctx, "verify", reference, *v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification persistence failed")
		return nil, err
	}

	result := &VerifyResult{Verified: false, Status: models.StatusPending}
	if record != nil {
		result.Status = record.PaymentStatus
		result.Verified = record.PaymentStatus == models.StatusCompleted
	}

	slog.Info("manual verification finished",
		"transaction_reference", reference,
		"verified", result.Verified,
		"payment_status", result.Status)
	return result, nil
}

// applyVerification runs the pure reconciler against the current record and
// applies its decision through the store's conditional writes. A lost race
// (duplicate insert, failed compare-and-swap) triggers a re-read and one more
// attempt; the second round lands on the sticky no-op path.
func (s *reconciliationService) applyVerification(ctx context.Context, source, reference string, v models.VerificationResult) (*models.PurchaseRecord, bool, error) {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		existing, err := s.purchaseRepo.FindByReference(ctx, reference)
		if err != nil && !stderrors.Is(err, pkgerrors.ErrRecordNotFound) {
			return nil, false, err
		}

		decision := reconcile.Reconcile(existing, v)
		observability.ReconcileDecisions.WithLabelValues(source, string(decision.Action)).Inc()
		if decision.Inconsistent {
			slog.Warn("gateway verification flagged inconsistent",
				"source", source,
				"transaction_reference", reference,
				"reason", decision.Reason)
		}

		switch decision.Action {
		case reconcile.ActionNone:
			slog.Info("reconciliation no-op",
				"source", source,
				"transaction_reference", reference,
				"reason", decision.Reason)
			return existing, false, nil

		case reconcile.ActionCreate:
			if err := s.purchaseRepo.InsertIfAbsent(ctx, decision.NewRecord); err != nil {
				if stderrors.Is(err, pkgerrors.ErrDuplicateReference) {
					// Concurrent creation of the same reference; re-read and
					// reconcile against the now-existing record.
					continue
				}
				return nil, false, err
			}
			s.publishEvent("payment.completed", decision.NewRecord)
			slog.Info("fallback purchase created",
				"source", source,
				"transaction_reference", reference,
				"purchase_id", decision.NewRecord.ID)
			return decision.NewRecord, true, nil

		case reconcile.ActionUpdate:
			committed, err := s.purchaseRepo.UpdateIfStatus(ctx, existing.ID, decision.ExpectedStatus, decision.Patch)
			if err != nil {
				return nil, false, err
			}
			if !committed {
				// Another path reconciled first; retry takes the sticky
				// no-op branch against the fresh record.
				continue
			}

			updated := applyPatch(*existing, decision.Patch)
			if decision.Patch.PaymentStatus != nil {
				switch *decision.Patch.PaymentStatus {
				case models.StatusCompleted:
					s.publishEvent("payment.completed", &updated)
				case models.StatusFailed:
					s.publishEvent("payment.failed", &updated)
				}
			}
			slog.Info("purchase reconciled",
				"source", source,
				"transaction_reference", reference,
				"payment_status", updated.PaymentStatus,
				"reason", decision.Reason)
			return &updated, decision.Patch.PaymentStatus != nil, nil
		}
	}

	// Every attempt lost its race; by now the record is terminal, which is a
	// successful no-op outcome, not an error.
	record, err := s.purchaseRepo.FindByReference(ctx, reference)
	if err != nil && !stderrors.Is(err, pkgerrors.ErrRecordNotFound) {
		return nil, false, err
	}
	return record, false, nil
}

// applyPatch mirrors the store's COALESCE semantics on an in-memory copy so
// callers and events see the committed state without a second read.
func applyPatch(record models.PurchaseRecord, patch models.PurchasePatch) models.PurchaseRecord {
	if patch.PaymentStatus != nil {
		record.PaymentStatus = *patch.PaymentStatus
	}
	if patch.AmountPaid != nil {
		record.AmountPaid = *patch.AmountPaid
	}
	if patch.GatewayTransactionID != nil {
		record.GatewayTransactionID = *patch.GatewayTransactionID
	}
	if patch.RawGatewayPayload != nil {
		record.RawGatewayPayload = patch.RawGatewayPayload
	}
	record.UpdatedAt = time.Now().UTC()
	return record
}

// publishEvent fires a status event for downstream consumers (refund,
// invoicing, notifications). Delivery is best effort with retries; losing an
// event never fails the reconciliation that produced it.
func (s *reconciliationService) publishEvent(eventType string, record *models.PurchaseRecord) {
	if s.kafkaProducer == nil {
		return
	}

	event := map[string]interface{}{
		"event_type":            eventType,
		"purchase_id":           record.ID.String(),
		"transaction_reference": record.TransactionReference,
		"event_id":              record.EventID.String(),
		"amount_paid":           record.AmountPaid,
		"payment_status":        record.PaymentStatus,
		"occurred_at":           time.Now().UTC().Format(time.RFC3339),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal payment event",
			"event_type", eventType,
			"transaction_reference", record.TransactionReference,
			"error", err)
		return
	}

	reference := record.TransactionReference
	go func() {
		retries := 3
		for i := 0; i < retries; i++ {
			if err := s.kafkaProducer.Send(context.Background(), paymentEventsTopic, reference, eventBytes); err == nil {
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to send payment event after retries",
			"event_type", eventType,
			"transaction_reference", reference)
	}()
}
