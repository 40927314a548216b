package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/tickethub/payment-reconciler/internal/infrastructure/observability"
	"github.com/tickethub/payment-reconciler/internal/models"
	pkgerrors "github.com/tickethub/payment-reconciler/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const sweepLockTTL = 10 * time.Minute

// Sweep re-verifies stale pending purchases against the gateway, one at a
// time to respect gateway rate limits. A single item's failure is recorded
// in the report and never aborts the run; when the context deadline expires
// the sweep stops starting new items and returns the partial report.
func (s *reconciliationService) Sweep(ctx context.Context) (*models.SweepReport, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "Sweep")
	defer span.End()

	if s.redisClient != nil {
		acquired, err := s.redisClient.SetNX(ctx, sweepLockKey, time.Now().UTC().Format(time.RFC3339), sweepLockTTL)
		if err != nil {
			// A broken lock store must not stop reconciliation; overlap is
			// safe because every write is conditional.
			slog.Warn("sweep lock unavailable, proceeding without it", "error", err)
		} else if !acquired {
			span.SetStatus(codes.Error, "sweep already running")
			return nil, pkgerrors.ErrSweepAlreadyRunning
		} else {
			defer func() {
				if err := s.redisClient.Del(context.Background(), sweepLockKey); err != nil {
					slog.Warn("failed to release sweep lock", "error", err)
				}
			}()
		}
	}

	report := &models.SweepReport{StartedAt: time.Now().UTC()}
	cutoff := time.Now().Add(-s.sweepPendingAge)

	records, err := s.purchaseRepo.ListPendingOlderThan(ctx, cutoff, s.sweepBatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pending purchases")
		return nil, err
	}
	report.Scanned = len(records)
	span.SetAttributes(attribute.Int("scanned", len(records)))

	for i := range records {
		record := &records[i]

		if ctx.Err() != nil {
			slog.Warn("sweep deadline reached, returning partial report",
				"processed", len(report.Results),
				"scanned", report.Scanned)
			break
		}

		result := models.SweepResult{
			TransactionReference: record.TransactionReference,
			Status:               record.PaymentStatus,
		}

		v, err := s.gatewayClient.Verify(ctx, record.TransactionReference)
		if err != nil {
			// Transient and rejected verifies are both inconclusive here:
			// the record stays pending for the next tick, the error is
			// surfaced in the report for review.
			result.Error = err.Error()
			observability.SweepItems.WithLabelValues("gateway_error").Inc()
			report.Results = append(report.Results, result)
			continue
		}

		// Persistence of an already-started item may finish even when the
		// run deadline expires mid-write.
		persistCtx := context.WithoutCancel(ctx)
		reconciled, updated, err := s.applyVerification(persistCtx, "sweep", record.TransactionReference, *v)
		if err != nil {
			result.Error = err.Error()
			observability.SweepItems.WithLabelValues("store_error").Inc()
			report.Results = append(report.Results, result)
			continue
		}

		result.Updated = updated
		if reconciled != nil {
			result.Status = reconciled.PaymentStatus
		}
		if updated {
			report.Updated++
			observability.SweepItems.WithLabelValues("updated").Inc()
		} else {
			observability.SweepItems.WithLabelValues("noop").Inc()
		}
		report.Results = append(report.Results, result)
	}

	report.FinishedAt = time.Now().UTC()
	slog.Info("sweep finished",
		"scanned", report.Scanned,
		"processed", len(report.Results),
		"updated", report.Updated,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}
