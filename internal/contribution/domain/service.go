package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

//go:generate mockgen -source=service.go -destination=../mocks/mock_service.go -package=mocks

var (
	ErrInvalidConfirmationID = errors.New("invalid_confirmation_id")
	ErrInvalidClientKey      = errors.New("invalid_client_key")
	ErrInvalidGroup          = errors.New("invalid_group")
	ErrInvalidMember         = errors.New("invalid_member")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrContributionNotFound  = errors.New("contribution_not_found")
)

// Outcome classifies what intake did with a submission.
type Outcome string

const (
	// OutcomeConfirmed means this call recorded the contribution.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeDuplicate means the key was seen before; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale means the cycle already advanced; the submission is a
	// successful no-op so client retries converge.
	OutcomeStale Outcome = "stale"
	// OutcomeRejected means validation failed permanently; see Reason.
	OutcomeRejected Outcome = "rejected"
)

// Rejection and stale reason codes surfaced to callers.
const (
	ReasonGroupNotFound    = "group_not_found"
	ReasonGroupNotActive   = "group_not_active"
	ReasonMemberNotInGroup = "member_not_in_group"
	ReasonAmountMismatch   = "amount_mismatch"
	ReasonInvalidCycle     = "invalid_cycle"
	ReasonStaleCycle       = "stale_cycle"
	ReasonSlotConflict     = "slot_conflict"
)

type IntakeResult struct {
	Outcome      Outcome       `json:"outcome"`
	Reason       string        `json:"reason,omitempty"`
	Contribution *Contribution `json:"contribution,omitempty"`
}

// ConfirmationRequest is a payment-rail confirmation event. Authenticity is
// the webhook layer's problem; intake treats the event as verified.
type ConfirmationRequest struct {
	ConfirmationID string       `json:"confirmation_id"`
	GroupID        snowflake.ID `json:"group_id"`
	CycleNumber    int          `json:"cycle_number"`
	MemberID       snowflake.ID `json:"member_id"`
	Amount         int64        `json:"amount"`
	Provider       string       `json:"provider"`
	SettledAt      time.Time    `json:"settled_at"`
}

// DirectSubmitRequest is the online client path. CycleNumber is optional; a
// zero value targets the group's current cycle. Non-current hints no-op as
// stale, which is how offline-queue replays of old cycles converge.
type DirectSubmitRequest struct {
	ClientKey   string       `json:"client_idempotency_key"`
	GroupID     snowflake.ID `json:"group_id"`
	MemberID    snowflake.ID `json:"member_id"`
	CycleNumber int          `json:"cycle_number,omitempty"`
	Amount      int64        `json:"amount"`
	Source      string       `json:"source,omitempty"`
}

// InitiateRequest opens a pending slot and asks the rail for an invoice the
// member can pay.
type InitiateRequest struct {
	GroupID  snowflake.ID `json:"group_id"`
	MemberID snowflake.ID `json:"member_id"`
}

// InitiateResult is the member's slot plus whatever the rail needs them to
// pay. PayRef is empty once the slot is already confirmed.
type InitiateResult struct {
	Contribution *Contribution `json:"contribution"`
	InvoiceID    string        `json:"invoice_id,omitempty"`
	PayRef       string        `json:"pay_ref,omitempty"`
}

type ListContributionsRequest struct {
	GroupID     snowflake.ID
	CycleNumber int    `form:"cycle_number"`
	Status      string `form:"status"`
}

type Service interface {
	// ProcessConfirmation applies one rail confirmation exactly once.
	// Redelivery of a seen confirmation id returns the prior outcome
	// without side effects.
	ProcessConfirmation(ctx context.Context, req ConfirmationRequest) (*IntakeResult, error)

	// SubmitDirect records an online contribution keyed by the client's
	// idempotency key. Same convergence contract as ProcessConfirmation.
	SubmitDirect(ctx context.Context, req DirectSubmitRequest) (*IntakeResult, error)

	// Initiate opens (or returns) the member's pending slot for the current
	// cycle along with a rail invoice to pay.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)

	GetContribution(ctx context.Context, id snowflake.ID) (*Contribution, error)
	ListContributions(ctx context.Context, req ListContributionsRequest) ([]Contribution, error)
}
