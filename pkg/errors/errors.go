package errors

import (
	"errors"
)

var (
	ErrRecordNotFound      = errors.New("purchase record not found")
	ErrDuplicateReference  = errors.New("transaction reference already exists")
	ErrNilRecord           = errors.New("purchase record is nil")
	ErrInvalidStatus       = errors.New("invalid payment status")
	ErrInvalidReference    = errors.New("transaction reference is empty")
	ErrInvalidQuantity     = errors.New("tickets quantity must be positive")
	ErrStoreConflict       = errors.New("conditional write precondition failed")
	ErrSignatureInvalid    = errors.New("webhook signature mismatch")
	ErrMalformedPayload    = errors.New("malformed webhook payload")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayRejected     = errors.New("payment gateway rejected the request")
	ErrSweepAlreadyRunning = errors.New("sweep already running")
)
