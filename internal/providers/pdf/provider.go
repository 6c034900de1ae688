package pdf

import (
	"context"
	"io"
)

type Provider interface {
	GeneratePayoutReceipt(ctx context.Context, data ReceiptData) (io.Reader, error)
}

// NoOpProvider satisfies the interface for builds that never serve documents,
// such as the offline agent.
type NoOpProvider struct{}

func (p *NoOpProvider) GeneratePayoutReceipt(ctx context.Context, data ReceiptData) (io.Reader, error) {
	return nil, nil
}
