// Package gateway wraps the payment gateway's HTTP API. Dynamic gateway
// payloads are normalized into models.VerificationResult here; nothing
// downstream inspects raw gateway JSON.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tickethub/payment-reconciler/internal/infrastructure/observability"
	"github.com/tickethub/payment-reconciler/internal/models"
	pkgerrors "github.com/tickethub/payment-reconciler/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Buyer identifies the paying customer on checkout initialization.
type Buyer struct {
	Name  string
	Email string
}

// InitializeResult is the gateway's checkout session for a purchase intent.
type InitializeResult struct {
	CheckoutURL string
	Reference   string
}

// Client is the gateway contract consumed by the reconciliation service.
type Client interface {
	Initialize(ctx context.Context, reference string, amount int64, buyer Buyer) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*models.VerificationResult, error)
}

// HTTPClient talks to the live gateway. Every call carries the client
// timeout; there is no caching and no retrying here, callers own both.
type HTTPClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL, secret string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// gatewayEnvelope is the common response wrapper of the gateway API.
type gatewayEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type transactionData struct {
	ID               int64  `json:"id"`
	Status           string `json:"status"`
	Reference        string `json:"reference"`
	Amount           int64  `json:"amount"`
	AuthorizationURL string `json:"authorization_url"`
}

func (c *HTTPClient) Initialize(ctx context.Context, reference string, amount int64, buyer Buyer) (*InitializeResult, error) {
	var err error
	tracer := otel.Tracer("gateway-client")
	ctx, span := tracer.Start(ctx, "InitializeTransaction")
	span.SetAttributes(
		attribute.String("transaction_reference", reference),
		attribute.Int64("amount", amount),
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
		observability.GatewayCalls.WithLabelValues("initialize", status).Inc()
		observability.GatewayDuration.WithLabelValues("initialize").Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(map[string]any{
		"reference": reference,
		"amount":    amount,
		"email":     buyer.Email,
		"metadata":  map[string]string{"buyer_name": buyer.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	envelope, err := c.call(ctx, http.MethodPost, "/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var data transactionData
	if err = json.Unmarshal(envelope.Data, &data); err != nil {
		slog.Error("unexpected initialize response shape", "transaction_reference", reference, "error", err)
		return nil, fmt.Errorf("%w: bad initialize response: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	if data.Reference == "" {
		data.Reference = reference
	}

	slog.Info("gateway transaction initialized", "transaction_reference", data.Reference)
	return &InitializeResult{
		CheckoutURL: data.AuthorizationURL,
		Reference:   data.Reference,
	}, nil
}

func (c *HTTPClient) Verify(ctx context.Context, reference string) (*models.VerificationResult, error) {
	var err error
	tracer := otel.Tracer("gateway-client")
	ctx, span := tracer.Start(ctx, "VerifyTransaction")
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
		observability.GatewayCalls.WithLabelValues("verify", status).Inc()
		observability.GatewayDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	}()

	if reference == "" {
		err = pkgerrors.ErrInvalidReference
		return nil, err
	}

	envelope, err := c.call(ctx, http.MethodGet, "/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, err
	}

	var data transactionData
	if err = json.Unmarshal(envelope.Data, &data); err != nil {
		slog.Error("unexpected verify response shape", "transaction_reference", reference, "error", err)
		return nil, fmt.Errorf("%w: bad verify response: %v", pkgerrors.ErrGatewayUnavailable, err)
	}

	result := &models.VerificationResult{
		OK:        envelope.Status,
		Reference: reference,
		Status:    data.Status,
		Amount:    data.Amount,
		Raw:       envelope.Data,
	}
	if data.ID != 0 {
		result.GatewayTransactionID = strconv.FormatInt(data.ID, 10)
	}

	slog.Info("gateway transaction verified", "transaction_reference", reference, "gateway_status", data.Status)
	return result, nil
}

// call issues one authenticated request and maps transport-level failures to
// the gateway error taxonomy: network errors and 5xx are retryable
// (ErrGatewayUnavailable), structured 4xx bodies are not (ErrGatewayRejected).
func (c *HTTPClient) call(ctx context.Context, method, path string, body io.Reader) (*gatewayEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("gateway request failed", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", pkgerrors.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		slog.Warn("gateway server error", "method", method, "path", path, "status_code", resp.StatusCode)
		return nil, fmt.Errorf("%w: gateway returned %d", pkgerrors.ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var envelope gatewayEnvelope
		if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil && envelope.Message != "" {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrGatewayRejected, envelope.Message)
		}
		return nil, fmt.Errorf("%w: gateway returned %d", pkgerrors.ErrGatewayRejected, resp.StatusCode)
	}

	var envelope gatewayEnvelope
	if err = json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: unparseable response: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	return &envelope, nil
}
