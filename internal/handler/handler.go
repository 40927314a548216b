package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/tickethub/payment-reconciler/internal/models"
	service "github.com/tickethub/payment-reconciler/internal/services"
	pkgerrors "github.com/tickethub/payment-reconciler/pkg/errors"
)

// SignatureHeader carries the gateway's HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Gateway-Signature"

const maxWebhookBody = 1 << 20

// HealthChecker validates the store connection for the health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	service       service.ReconciliationService
	health        HealthChecker
	webhookSecret string
}

func NewHandler(s service.ReconciliationService, health HealthChecker, webhookSecret string) *Handler {
	return &Handler{
		service:       s,
		health:        health,
		webhookSecret: webhookSecret,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/purchases", h.CreatePurchase).Methods("POST")
	r.HandleFunc("/api/payments/webhook", h.Webhook).Methods("POST")
	r.HandleFunc("/api/payments/verify", h.VerifyPayment).Methods("POST")
	r.HandleFunc("/api/payments/sweep", h.SweepNow).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// Webhook is the gateway callback entry point. A signature-valid, parseable
// call always gets a 200, even when the decision was an intentional no-op,
// so the gateway is never induced to retry transactions we chose to ignore.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, pkgerrors.ErrMalformedPayload)
		return
	}

	if !h.validSignature(body, r.Header.Get(SignatureHeader)) {
		slog.Warn("webhook rejected: bad signature", "remote_addr", r.RemoteAddr)
		h.writeError(w, http.StatusForbidden, pkgerrors.ErrSignatureInvalid)
		return
	}

	v, err := parseWebhook(body)
	if err != nil {
		slog.Warn("webhook rejected: malformed payload", "error", err)
		h.writeError(w, http.StatusBadRequest, pkgerrors.ErrMalformedPayload)
		return
	}

	if err := h.service.ProcessWebhook(r.Context(), v, body); err != nil {
		// 500 makes the gateway retry; safe because reconciliation is
		// idempotent.
		slog.Error("webhook processing failed", "transaction_reference", v.Reference, "error", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionReference string `json:"transaction_reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TransactionReference == "" {
		h.writeError(w, http.StatusBadRequest, pkgerrors.ErrInvalidReference)
		return
	}

	result, err := h.service.VerifyPurchase(r.Context(), req.TransactionReference)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrGatewayUnavailable):
			w.Header().Set("Retry-After", "30")
			h.writeError(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, pkgerrors.ErrGatewayRejected):
			h.writeError(w, http.StatusUnprocessableEntity, err)
		case errors.Is(err, pkgerrors.ErrInvalidReference):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"verified": result.Verified,
		"status":   result.Status,
	})
}

func (h *Handler) SweepNow(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Sweep(r.Context())
	if err != nil {
		if errors.Is(err, pkgerrors.ErrSweepAlreadyRunning) {
			h.writeError(w, http.StatusConflict, err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID         uuid.UUID `json:"event_id"`
		BuyerName       string    `json:"buyer_name"`
		BuyerEmail      string    `json:"buyer_email"`
		TicketsQuantity int32     `json:"tickets_quantity"`
		Amount          int64     `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.InitializePurchase(r.Context(), service.InitializePurchaseRequest{
		EventID:         req.EventID,
		BuyerName:       req.BuyerName,
		BuyerEmail:      req.BuyerEmail,
		TicketsQuantity: req.TicketsQuantity,
		Amount:          req.Amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrInvalidQuantity):
			h.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, pkgerrors.ErrGatewayUnavailable):
			h.writeError(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, pkgerrors.ErrGatewayRejected):
			h.writeError(w, http.StatusUnprocessableEntity, err)
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"purchase_id":           result.PurchaseID.String(),
		"transaction_reference": result.TransactionReference,
		"checkout_url":          result.CheckoutURL,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.PingContext(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, errors.New("store unavailable"))
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// validSignature compares the HMAC-SHA512 of the raw body against the header
// in constant time.
func (h *Handler) validSignature(body []byte, header string) bool {
	if header == "" || h.webhookSecret == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// parseWebhook normalizes the gateway's callback JSON into a
// VerificationResult. Both the enveloped event shape and a flat body are
// accepted; a missing transaction reference is malformed.
func parseWebhook(body []byte) (models.VerificationResult, error) {
	var payload struct {
		Event string `json:"event"`
		Data  struct {
			ID        int64  `json:"id"`
			Reference string `json:"reference"`
			Status    string `json:"status"`
			Amount    int64  `json:"amount"`
		} `json:"data"`
		TransactionReference string `json:"transaction_reference"`
		Status               string `json:"status"`
		Amount               int64  `json:"amount"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.VerificationResult{}, err
	}

	v := models.VerificationResult{
		OK:        true,
		Reference: payload.Data.Reference,
		Status:    payload.Data.Status,
		Amount:    payload.Data.Amount,
		Raw:       body,
	}
	if v.Reference == "" {
		v.Reference = payload.TransactionReference
	}
	if v.Status == "" {
		v.Status = payload.Status
	}
	if v.Amount == 0 {
		v.Amount = payload.Amount
	}
	if payload.Data.ID != 0 {
		v.GatewayTransactionID = strconv.FormatInt(payload.Data.ID, 10)
	}
	// Event names like "charge.success" double as status for gateways that
	// omit data.status in callbacks.
	if v.Status == "" && payload.Event == "charge.success" {
		v.Status = models.GatewayStatusSuccess
	}

	if v.Reference == "" {
		return models.VerificationResult{}, pkgerrors.ErrMalformedPayload
	}
	return v, nil
}
