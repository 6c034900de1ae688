// Package domain contains the device-side offline action queue. A member's
// contribution is durably recorded here before any network call, so killing
// the process mid-submission never loses the intent; the sync engine drains
// the queue against the platform API whenever connectivity holds.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrActionNotFound      = errors.New("action_not_found")
	ErrActionNotRetryable  = errors.New("action_not_retryable")
	ErrActionNotCancelable = errors.New("action_not_cancelable")
	ErrInvalidAction       = errors.New("invalid_action")
	ErrMissingSessionToken = errors.New("missing_session_token")
)

type ActionKind string

const (
	ActionKindContribute ActionKind = "contribute"
)

type ActionStatus string

const (
	// ActionStatusQueued means the action waits for a drain attempt.
	ActionStatusQueued ActionStatus = "queued"
	// ActionStatusInflight means a network attempt is running right now.
	ActionStatusInflight ActionStatus = "inflight"
	// ActionStatusConfirmed means the server accepted the submission (or
	// reported it as an already-applied duplicate or stale no-op).
	ActionStatusConfirmed ActionStatus = "confirmed"
	// ActionStatusFailed means retries are exhausted or the server rejected
	// the submission permanently. Only an explicit retry resumes it.
	ActionStatusFailed ActionStatus = "failed"
)

// PendingAction is one queued member intent. The id and the client key are
// ULIDs minted at enqueue: the id orders the queue by creation time within a
// group, the key pins the server-side idempotency slot across every retry.
type PendingAction struct {
	ID              string       `gorm:"primaryKey;type:text" json:"id"`
	Kind            ActionKind   `gorm:"type:text;not null" json:"kind"`
	GroupID         snowflake.ID `gorm:"not null;index" json:"group_id"`
	MemberID        snowflake.ID `gorm:"not null" json:"member_id"`
	CycleNumber     int          `gorm:"not null" json:"cycle_number"`
	Amount          int64        `gorm:"not null" json:"amount"`
	ClientKey       string       `gorm:"type:text;not null;uniqueIndex:ux_pending_actions_client_key" json:"client_key"`
	SessionToken    string       `gorm:"type:text;not null" json:"-"`
	Status          ActionStatus `gorm:"type:text;not null;index" json:"status"`
	Outcome         string       `gorm:"type:text" json:"outcome,omitempty"`
	Attempts        int          `gorm:"not null" json:"attempts"`
	NextAttemptAt   time.Time    `gorm:"not null;index" json:"next_attempt_at"`
	LastError       string       `gorm:"type:text" json:"last_error,omitempty"`
	CancelRequested bool         `gorm:"not null;default:false" json:"-"`
	EnqueuedAt      time.Time    `gorm:"not null" json:"enqueued_at"`
	ConfirmedAt     *time.Time   `json:"confirmed_at,omitempty"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (PendingAction) TableName() string { return "pending_actions" }

// EnqueueRequest records a contribution intent. SessionToken may be empty
// when the agent runs with a device-level token; per-action tokens exist for
// gateway deployments that front several members.
type EnqueueRequest struct {
	GroupID      snowflake.ID `json:"group_id" binding:"required"`
	MemberID     snowflake.ID `json:"member_id" binding:"required"`
	CycleNumber  int          `json:"cycle_number"`
	Amount       int64        `json:"amount" binding:"required"`
	SessionToken string       `json:"session_token"`
}

// RetryRequest resumes a failed action. A fresh SessionToken replaces the
// stored one, which is how an expired session gets repaired.
type RetryRequest struct {
	SessionToken string `json:"session_token"`
}

// StatusReport is the control-surface view of the queue.
type StatusReport struct {
	Queued    int64 `json:"queued"`
	Inflight  int64 `json:"inflight"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`

	Online      bool            `json:"online"`
	LastSyncAt  *time.Time      `json:"last_sync_at,omitempty"`
	LastSyncErr string          `json:"last_sync_error,omitempty"`
	FailedItems []PendingAction `json:"failed_items,omitempty"`
}

type Service interface {
	// Enqueue durably records the action before any network I/O and wakes
	// the sync engine.
	Enqueue(ctx context.Context, req EnqueueRequest) (*PendingAction, error)

	Get(ctx context.Context, id string) (*PendingAction, error)

	// Retry puts a failed action back in the queue with a fresh attempt
	// budget. The client key is reused, so a retry can never double-submit.
	Retry(ctx context.Context, id string, req RetryRequest) (*PendingAction, error)

	// Cancel removes a queued or failed action. An inflight action has its
	// network attempt cancelled first; the row is removed once the attempt
	// unwinds. Confirmed actions cannot be cancelled.
	Cancel(ctx context.Context, id string) error

	Status(ctx context.Context) (*StatusReport, error)
}
