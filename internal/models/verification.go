package models

import (
	"encoding/json"
	"time"
)

// Gateway transaction statuses as reported by the verify API and webhook
// payloads. Anything outside this set is treated as inconclusive.
const (
	GatewayStatusSuccess   = "success"
	GatewayStatusFailed    = "failed"
	GatewayStatusAbandoned = "abandoned"
	GatewayStatusCancelled = "cancelled"
)

// VerificationResult is the normalized view of a gateway verification
// response or a signed webhook payload. Raw keeps the untouched gateway
// JSON for audit.
type VerificationResult struct {
	OK                   bool            `json:"ok"`
	Reference            string          `json:"reference"`
	Status               string          `json:"status"`
	Amount               int64           `json:"amount"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	Raw                  json.RawMessage `json:"raw,omitempty"`
}

// Success reports whether the gateway has confirmed payment.
func (v VerificationResult) Success() bool {
	return v.OK && v.Status == GatewayStatusSuccess
}

// ExplicitFailure reports whether the gateway has definitively declined or
// abandoned the transaction. Unknown statuses stay inconclusive so the record
// is retried later rather than marked failed on bad data.
func (v VerificationResult) ExplicitFailure() bool {
	if !v.OK {
		return false
	}
	switch v.Status {
	case GatewayStatusFailed, GatewayStatusAbandoned, GatewayStatusCancelled:
		return true
	}
	return false
}

// SweepResult is the per-item outcome of one sweep run entry.
type SweepResult struct {
	TransactionReference string        `json:"transaction_reference"`
	Updated              bool          `json:"updated"`
	Status               PaymentStatus `json:"status"`
	Error                string        `json:"error,omitempty"`
}

// SweepReport accumulates the outcomes of a single sweep run.
type SweepReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Scanned    int           `json:"scanned"`
	Updated    int           `json:"updated"`
	Results    []SweepResult `json:"results"`
}
