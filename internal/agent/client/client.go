// Package client speaks to the platform API on the agent's behalf. The sync
// engine cares about one distinction above all: transient failures (retry
// with backoff) versus terminal answers (the action is settled, for better
// or worse).
package client

import (
	"context"
	"errors"
)

var ErrUnauthorized = errors.New("session_unauthorized")

// SubmitRequest carries one queued contribution to the platform. ClientKey
// pins the server-side idempotency slot: every retry of the same action
// resolves to the same contribution.
type SubmitRequest struct {
	SessionToken string
	ClientKey    string
	Amount       int64
	CycleNumber  int
}

// SubmitResult is the platform's intake envelope. Status duplicate and
// stale are successful no-ops, not failures.
type SubmitResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type API interface {
	// Healthy probes the platform's health endpoint. False means the drain
	// pass should wait for connectivity instead of burning attempts.
	Healthy(ctx context.Context) bool
	SubmitContribution(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
}

// TransientError marks a failure worth retrying: the network was down, the
// server was overloaded, or the response never arrived.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient submit error"
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

// RejectionError carries the platform's validation verdict. Retrying the
// same payload cannot succeed.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return e.Code
	}
	return "submission_rejected"
}
