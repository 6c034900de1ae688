package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrPayoutNotFound    = errors.New("payout_not_found")
	ErrInvalidTransition = errors.New("invalid_payout_transition")
	ErrNotRetryable      = errors.New("payout_not_retryable")
	ErrUnknownReference  = errors.New("unknown_payout_reference")
	ErrInvalidEvent      = errors.New("invalid_payout_event")
)

// RailEventType is the terminal outcome reported by a money rail for a
// submitted transfer.
type RailEventType string

const (
	RailEventConfirmed RailEventType = "payout.confirmed"
	RailEventFailed    RailEventType = "payout.failed"
)

type RailEventRequest struct {
	Provider   string        `json:"provider"`
	EventType  RailEventType `json:"event_type"`
	RequestKey string        `json:"request_key"`
	RailRef    string        `json:"rail_ref"`
	Reason     string        `json:"reason"`
	// Transient marks a failure the rail expects us to retry.
	Transient  bool      `json:"transient"`
	OccurredAt time.Time `json:"occurred_at"`
}

type ListPayoutsRequest struct {
	GroupID snowflake.ID
	Status  PayoutStatus `form:"status"`
	Page    string       `form:"page"`
	Size    int          `form:"size"`
}

// DispatchReport summarizes one dispatch pass.
type DispatchReport struct {
	Claimed   int
	Submitted int
	Requeued  int
	Exhausted int
}

type Service interface {
	GetPayout(ctx context.Context, id snowflake.ID) (*Payout, error)
	ListPayouts(ctx context.Context, req ListPayoutsRequest) ([]Payout, error)

	// DispatchDue claims due pending payouts and submits each to the
	// configured rail. Transient submission failures are requeued with
	// backoff; exhausted payouts are marked failed and escalated.
	DispatchDue(ctx context.Context) (DispatchReport, error)

	// ApplyRailEvent applies a terminal rail event to the payout it
	// references. Confirmation closes the cycle: the group's current_cycle
	// advances and, when every member has won once, eligibility resets.
	// Replayed events are no-ops.
	ApplyRailEvent(ctx context.Context, req RailEventRequest) (*Payout, error)

	// RecoverStuck requeues processing payouts whose rail submission never
	// came back. Safe because the request key pins the rail-side transfer.
	RecoverStuck(ctx context.Context) (int, error)

	// RetryFailed is the operator escalation path: it puts a failed payout
	// back into the dispatch queue with a fresh attempt budget.
	RetryFailed(ctx context.Context, id snowflake.ID) (*Payout, error)
}
