package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient talks to the platform API over JSON. Retryable statuses (408,
// 429, 5xx) surface as transient errors so the sync engine backs off
// instead of failing the action.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	probe   *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		probe:   &http.Client{Timeout: 3 * time.Second},
	}
}

func (c *HTTPClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type httpSubmitRequest struct {
	Amount      int64 `json:"amount"`
	CycleNumber int   `json:"cycle_number,omitempty"`
}

func (c *HTTPClient) SubmitContribution(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	body, err := json.Marshal(httpSubmitRequest{Amount: req.Amount, CycleNumber: req.CycleNumber})
	if err != nil {
		return nil, fmt.Errorf("marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/contributions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Session-Token", req.SessionToken)
	httpReq.Header.Set("Idempotency-Key", req.ClientKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(fmt.Errorf("submit contribution: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result SubmitResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, Transient(fmt.Errorf("decode submit response: %w", err))
		}
		return &result, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case retryableStatus(resp.StatusCode):
		return nil, Transient(fmt.Errorf("submit_status_%d", resp.StatusCode))
	default:
		return nil, decodeRejection(resp)
	}
}

// errorEnvelope mirrors the platform's error response shape.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Errors  []struct {
			Field   string `json:"field"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

func decodeRejection(resp *http.Response) error {
	rejection := &RejectionError{Code: fmt.Sprintf("submit_status_%d", resp.StatusCode)}

	var envelope errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
		if len(envelope.Error.Errors) > 0 {
			rejection.Code = envelope.Error.Errors[0].Code
			rejection.Message = envelope.Error.Errors[0].Message
		} else if envelope.Error.Type != "" {
			rejection.Code = envelope.Error.Type
			rejection.Message = envelope.Error.Message
		}
	}
	return rejection
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
