package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPRail talks to a hosted rail gateway over JSON. Retryable statuses
// (408, 429, 5xx) surface as transient errors so the dispatcher backs off
// instead of failing the payout.
type HTTPRail struct {
	provider string
	baseURL  string
	apiKey   string
	client   *http.Client
}

func NewHTTPRail(provider, baseURL, apiKey string) *HTTPRail {
	return &HTTPRail{
		provider: provider,
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *HTTPRail) Provider() string { return r.provider }

type httpInvoiceRequest struct {
	PayerRef string `json:"payer_ref"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Memo     string `json:"memo,omitempty"`
}

type httpInvoiceResponse struct {
	InvoiceID string    `json:"invoice_id"`
	PayRef    string    `json:"pay_ref"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *HTTPRail) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.IdempotencyKey == "" || req.Amount <= 0 {
		return nil, ErrInvalidRequest
	}

	var out httpInvoiceResponse
	if err := r.post(ctx, "/v1/invoices", req.IdempotencyKey, httpInvoiceRequest{
		PayerRef: req.PayerRef,
		Amount:   req.Amount,
		Currency: req.Currency,
		Memo:     req.Memo,
	}, &out); err != nil {
		return nil, err
	}

	return &Invoice{
		InvoiceID: out.InvoiceID,
		PayRef:    out.PayRef,
		Amount:    out.Amount,
		Status:    out.Status,
		CreatedAt: out.CreatedAt,
	}, nil
}

type httpPayoutRequest struct {
	RecipientRef string `json:"recipient_ref"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Memo         string `json:"memo,omitempty"`
}

type httpPayoutResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func (r *HTTPRail) SendPayout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error) {
	if req.IdempotencyKey == "" || req.Amount <= 0 {
		return nil, ErrInvalidRequest
	}

	var out httpPayoutResponse
	if err := r.post(ctx, "/v1/payouts", req.IdempotencyKey, httpPayoutRequest{
		RecipientRef: req.RecipientRef,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Memo:         req.Memo,
	}, &out); err != nil {
		return nil, err
	}

	return &PayoutResponse{RequestID: out.RequestID, Status: out.Status}, nil
}

func (r *HTTPRail) post(ctx context.Context, path, idempotencyKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rail request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rail request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Transient(fmt.Errorf("rail request: %w", err))
	}
	defer resp.Body.Close()

	if retryableStatus(resp.StatusCode) {
		return Transient(fmt.Errorf("rail_status_%d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rail_status_%d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rail response: %w", err)
	}
	return nil
}

func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
