package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
	StatusRefunded  PaymentStatus = "refunded"
	StatusCancelled PaymentStatus = "cancelled"
)

// Valid reports whether s is one of the known payment statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether reconciliation may no longer move the record.
// Completed is sticky: only an explicit refund action (outside this service)
// moves it further.
func (s PaymentStatus) Terminal() bool {
	return s != StatusPending
}

// PurchaseRecord is one buyer's ticket order. AmountPaid is kept in gateway
// subunits (kobo/cents).
type PurchaseRecord struct {
	ID                   uuid.UUID       `json:"id"`
	TransactionReference string          `json:"transaction_reference"`
	EventID              uuid.UUID       `json:"event_id"`
	BuyerName            string          `json:"buyer_name"`
	BuyerEmail           string          `json:"buyer_email"`
	TicketsQuantity      int32           `json:"tickets_quantity"`
	AmountPaid           int64           `json:"amount_paid"`
	PaymentStatus        PaymentStatus   `json:"payment_status"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	RawGatewayPayload    json.RawMessage `json:"raw_gateway_payload,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// PurchasePatch carries the fields a reconciliation decision writes. Nil
// fields are left untouched by the store; AmountPaid is only ever set when
// the gateway reported a positive amount, and GatewayTransactionID is never
// cleared once written.
type PurchasePatch struct {
	PaymentStatus        *PaymentStatus
	AmountPaid           *int64
	GatewayTransactionID *string
	RawGatewayPayload    json.RawMessage
}
