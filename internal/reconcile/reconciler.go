// Package reconcile holds the pure decision logic that keeps a purchase's
// payment status consistent across webhooks, manual verification and the
// background sweep. Reconcile never touches the store or the network; the
// service layer applies its decisions through conditional writes.
package reconcile

import (
	"github.com/tickethub/payment-reconciler/internal/models"
)

type Action string

const (
	// ActionNone leaves the store untouched.
	ActionNone Action = "none"
	// ActionCreate inserts a new completed record (fallback creation).
	ActionCreate Action = "create"
	// ActionUpdate applies Patch while the record still has ExpectedStatus.
	ActionUpdate Action = "update"
)

// Decision is the outcome of one reconciliation attempt.
type Decision struct {
	Action Action

	// ExpectedStatus is the compare-and-swap precondition for ActionUpdate.
	ExpectedStatus models.PaymentStatus
	Patch          models.PurchasePatch

	// NewRecord is the record to insert for ActionCreate.
	NewRecord *models.PurchaseRecord

	// Inconsistent flags a success verification that omitted the amount; the
	// record is still reconciled but surfaced for human review.
	Inconsistent bool

	// Reason is a short machine-friendly explanation for logs and reports.
	Reason string
}

// Reconcile computes the next state for a purchase given the current local
// record (nil when absent) and a normalized gateway verification. It is pure
// and idempotent: feeding the same verification to its own output decides
// ActionNone.
func Reconcile(existing *models.PurchaseRecord, v models.VerificationResult) Decision {
	if existing == nil {
		return reconcileAbsent(v)
	}

	if existing.PaymentStatus == models.StatusCompleted {
		return reconcileCompleted(existing, v)
	}
	if existing.PaymentStatus.Terminal() {
		// failed, refunded and cancelled stay put.
		return Decision{Action: ActionNone, Reason: "terminal_status"}
	}
	return reconcilePending(existing, v)
}

// reconcileAbsent covers the webhook-before-record race. Only a confirmed
// success may create a record; anything else must not leave spurious rows
// behind for forged or stale references.
func reconcileAbsent(v models.VerificationResult) Decision {
	if !v.Success() {
		return Decision{Action: ActionNone, Reason: "no_record_non_success"}
	}
	if v.Reference == "" {
		return Decision{Action: ActionNone, Reason: "no_reference"}
	}

	// Buyer details are unknown on this path; the eager purchase-intent
	// write normally carries them. Quantity defaults to one ticket.
	record := &models.PurchaseRecord{
		TransactionReference: v.Reference,
		PaymentStatus:        models.StatusCompleted,
		AmountPaid:           v.Amount,
		GatewayTransactionID: v.GatewayTransactionID,
		RawGatewayPayload:    v.Raw,
		TicketsQuantity:      1,
	}
	d := Decision{
		Action:    ActionCreate,
		NewRecord: record,
		Reason:    "fallback_creation",
	}
	if v.Amount <= 0 {
		record.AmountPaid = 0
		d.Inconsistent = true
	}
	return d
}

// reconcileCompleted enforces the sticky-completed invariant. The only write
// permitted is an informational refresh of the raw gateway payload.
func reconcileCompleted(existing *models.PurchaseRecord, v models.VerificationResult) Decision {
	if len(v.Raw) == 0 || string(v.Raw) == string(existing.RawGatewayPayload) {
		return Decision{Action: ActionNone, Reason: "already_completed"}
	}
	return Decision{
		Action:         ActionUpdate,
		ExpectedStatus: models.StatusCompleted,
		Patch:          models.PurchasePatch{RawGatewayPayload: v.Raw},
		Reason:         "payload_refresh",
	}
}

func reconcilePending(existing *models.PurchaseRecord, v models.VerificationResult) Decision {
	switch {
	case v.Success():
		completed := models.StatusCompleted
		patch := models.PurchasePatch{
			PaymentStatus:     &completed,
			RawGatewayPayload: v.Raw,
		}
		d := Decision{
			Action:         ActionUpdate,
			ExpectedStatus: models.StatusPending,
			Reason:         "confirmed",
		}
		// Never zero an existing amount with an absent gateway amount.
		if v.Amount > 0 {
			amount := v.Amount
			patch.AmountPaid = &amount
		} else {
			d.Inconsistent = true
		}
		// Once set, the gateway transaction id is never cleared.
		if v.GatewayTransactionID != "" {
			id := v.GatewayTransactionID
			patch.GatewayTransactionID = &id
		}
		d.Patch = patch
		return d

	case v.ExplicitFailure():
		failed := models.StatusFailed
		return Decision{
			Action:         ActionUpdate,
			ExpectedStatus: models.StatusPending,
			Patch: models.PurchasePatch{
				PaymentStatus:     &failed,
				RawGatewayPayload: v.Raw,
			},
			Reason: "declined",
		}

	default:
		// Network errors and unknown statuses are inconclusive: stay pending
		// for the next webhook or sweep tick.
		return Decision{Action: ActionNone, Reason: "inconclusive"}
	}
}
