package rail

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MockRail is an in-process rail for local runs and tests. It is fully
// deterministic: the same idempotency key always yields the same invoice or
// payout reference, and repeated submissions return the cached result.
type MockRail struct {
	mu sync.Mutex

	clock func() time.Time

	invoices map[string]*Invoice
	payouts  map[string]*PayoutResponse

	submitted []PayoutRequest

	failNextPayouts int
	payoutErr       error
}

func NewMockRail() *MockRail {
	return &MockRail{
		clock:    time.Now,
		invoices: make(map[string]*Invoice),
		payouts:  make(map[string]*PayoutResponse),
	}
}

func (m *MockRail) Provider() string { return "mock" }

func (m *MockRail) CreateInvoice(_ context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.IdempotencyKey == "" || req.Amount <= 0 {
		return nil, ErrInvalidRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if inv, ok := m.invoices[req.IdempotencyKey]; ok {
		return inv, nil
	}

	ref := shortRef(req.IdempotencyKey)
	inv := &Invoice{
		InvoiceID: fmt.Sprintf("minv_%s", ref),
		PayRef:    fmt.Sprintf("mock:pay:%s", ref),
		Amount:    req.Amount,
		Status:    "open",
		CreatedAt: m.clock().UTC(),
	}
	m.invoices[req.IdempotencyKey] = inv
	return inv, nil
}

func (m *MockRail) SendPayout(_ context.Context, req PayoutRequest) (*PayoutResponse, error) {
	if req.IdempotencyKey == "" || req.Amount <= 0 {
		return nil, ErrInvalidRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Resubmission under the same key is a no-op on the rail side.
	if resp, ok := m.payouts[req.IdempotencyKey]; ok {
		return resp, nil
	}

	if m.failNextPayouts > 0 {
		m.failNextPayouts--
		err := m.payoutErr
		if err == nil {
			err = Transient(fmt.Errorf("mock rail unavailable"))
		}
		return nil, err
	}

	resp := &PayoutResponse{
		RequestID: fmt.Sprintf("mp_%s", shortRef(req.IdempotencyKey)),
		Status:    "accepted",
	}
	m.payouts[req.IdempotencyKey] = resp
	m.submitted = append(m.submitted, req)
	return resp, nil
}

// FailNextPayouts makes the next n fresh payout submissions return err.
// A nil err fails them with a transient error.
func (m *MockRail) FailNextPayouts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextPayouts = n
	m.payoutErr = err
}

// SubmittedPayouts returns the accepted payout requests in submission order.
func (m *MockRail) SubmittedPayouts() []PayoutRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PayoutRequest, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// Reset drops all cached invoices, payouts and the submission log. Tests
// sharing one rail call this between scenarios.
func (m *MockRail) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices = make(map[string]*Invoice)
	m.payouts = make(map[string]*PayoutResponse)
	m.submitted = nil
	m.failNextPayouts = 0
	m.payoutErr = nil
}

func shortRef(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
