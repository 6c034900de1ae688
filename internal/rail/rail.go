// Package rail abstracts the external money rail. The engine only ever sees
// opaque invoices and payout requests; the rail's own wire protocol and
// cryptography live behind this interface.
package rail

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -source=rail.go -destination=./mocks/mock_rail.go -package=mocks

var (
	ErrProviderNotFound = errors.New("rail_provider_not_found")
	ErrInvalidRequest   = errors.New("invalid_rail_request")
)

// InvoiceRequest asks the rail to collect a contribution from a member.
// IdempotencyKey pins the invoice: the same key always resolves to the same
// rail-side invoice.
type InvoiceRequest struct {
	IdempotencyKey string
	PayerRef       string
	Amount         int64
	Currency       string
	Memo           string
}

type Invoice struct {
	InvoiceID string
	// PayRef is whatever the member needs to pay: a USSD code, a payment
	// request string, an address. Opaque to the engine.
	PayRef    string
	Amount    int64
	Status    string
	CreatedAt time.Time
}

// PayoutRequest asks the rail to transfer the pooled amount to the winner.
type PayoutRequest struct {
	IdempotencyKey string
	RecipientRef   string
	Amount         int64
	Currency       string
	Memo           string
}

type PayoutResponse struct {
	RequestID string
	Status    string
}

type Rail interface {
	Provider() string
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	SendPayout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error)
}

// TransientError marks a rail failure the caller should retry with backoff.
// Anything else is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient rail error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
