package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tickethub/payment-reconciler/internal/models"
	pkgerrors "github.com/tickethub/payment-reconciler/pkg/errors"
)

func stalePending(ref string) *models.PurchaseRecord {
	return &models.PurchaseRecord{
		ID:                   uuid.New(),
		TransactionReference: ref,
		TicketsQuantity:      1,
		PaymentStatus:        models.StatusPending,
		CreatedAt:            time.Now().Add(-2 * time.Hour),
	}
}

func resultFor(t *testing.T, report *models.SweepReport, ref string) models.SweepResult {
	t.Helper()
	for _, r := range report.Results {
		if r.TransactionReference == ref {
			return r
		}
	}
	t.Fatalf("no sweep result for %s", ref)
	return models.SweepResult{}
}

func TestSweep_MixedOutcomes(t *testing.T) {
	repo := newFakePurchaseRepo()
	repo.put(stalePending("tx_ok"))
	repo.put(stalePending("tx_declined"))
	repo.put(stalePending("tx_timeout"))

	gw := newFakeGateway()
	gw.verifyMap["tx_ok"] = &models.VerificationResult{
		OK:        true,
		Reference: "tx_ok",
		Status:    models.GatewayStatusSuccess,
		Amount:    3000,
		Raw:       json.RawMessage(`{"status":"success"}`),
	}
	gw.verifyMap["tx_declined"] = &models.VerificationResult{
		OK:        true,
		Reference: "tx_declined",
		Status:    models.GatewayStatusFailed,
		Raw:       json.RawMessage(`{"status":"failed"}`),
	}
	gw.verifyErrs["tx_timeout"] = pkgerrors.ErrGatewayUnavailable

	svc := newTestService(repo, gw, newFakeRedis())

	report, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Updated)

	ok := resultFor(t, report, "tx_ok")
	assert.True(t, ok.Updated)
	assert.Equal(t, models.StatusCompleted, ok.Status)
	assert.Empty(t, ok.Error)

	declined := resultFor(t, report, "tx_declined")
	assert.True(t, declined.Updated)
	assert.Equal(t, models.StatusFailed, declined.Status)

	timedOut := resultFor(t, report, "tx_timeout")
	assert.False(t, timedOut.Updated)
	assert.Equal(t, models.StatusPending, timedOut.Status)
	assert.NotEmpty(t, timedOut.Error)

	// Store reflects the same outcomes.
	assert.Equal(t, models.StatusCompleted, repo.get("tx_ok").PaymentStatus)
	assert.Equal(t, int64(3000), repo.get("tx_ok").AmountPaid)
	assert.Equal(t, models.StatusFailed, repo.get("tx_declined").PaymentStatus)
	assert.Equal(t, models.StatusPending, repo.get("tx_timeout").PaymentStatus)
}

func TestSweep_FreshPendingRecordsAreSkipped(t *testing.T) {
	repo := newFakePurchaseRepo()
	fresh := stalePending("tx_fresh")
	fresh.CreatedAt = time.Now()
	repo.put(fresh)

	gw := newFakeGateway()
	svc := newTestService(repo, gw, newFakeRedis())

	report, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
	assert.Empty(t, gw.verifyCalls, "fresh records must not be re-verified")
}

func TestSweep_LockHeld(t *testing.T) {
	rds := newFakeRedis()
	_, err := rds.SetNX(context.Background(), sweepLockKey, "held", time.Minute)
	require.NoError(t, err)

	svc := newTestService(newFakePurchaseRepo(), newFakeGateway(), rds)

	_, err = svc.Sweep(context.Background())
	assert.ErrorIs(t, err, pkgerrors.ErrSweepAlreadyRunning)
}

func TestSweep_LockReleasedAfterRun(t *testing.T) {
	rds := newFakeRedis()
	svc := newTestService(newFakePurchaseRepo(), newFakeGateway(), rds)

	_, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	_, err = svc.Sweep(context.Background())
	assert.NoError(t, err, "lock must be released at the end of a run")
}

func TestSweep_ProceedsWhenLockStoreDown(t *testing.T) {
	rds := newFakeRedis()
	rds.setNXErr = pkgerrors.ErrGatewayUnavailable
	repo := newFakePurchaseRepo()
	repo.put(stalePending("tx_1"))
	gw := newFakeGateway()
	gw.verifyMap["tx_1"] = &models.VerificationResult{
		OK:        true,
		Reference: "tx_1",
		Status:    models.GatewayStatusSuccess,
		Amount:    100,
		Raw:       json.RawMessage(`{"status":"success"}`),
	}

	svc := newTestService(repo, gw, rds)
	report, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
}

func TestSweep_DeadlineReturnsPartialReport(t *testing.T) {
	repo := newFakePurchaseRepo()
	repo.put(stalePending("tx_a"))
	repo.put(stalePending("tx_b"))

	svc := newTestService(repo, newFakeGateway(), newFakeRedis())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Empty(t, report.Results, "no new items may start after the deadline")
}
