// Package domain contains persistence models for cycle payouts.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type PayoutStatus string

const (
	// PayoutStatusPending is claimed-but-not-submitted. Creating this row is
	// what closes a cycle; the unique (group_id, cycle_number) index makes
	// the claim first-writer-wins.
	PayoutStatusPending PayoutStatus = "pending"
	// PayoutStatusProcessing means the transfer was handed to the money rail
	// and we are waiting for its terminal event.
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusConfirmed  PayoutStatus = "confirmed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// Payout is the settlement record for one completed cycle. RequestKey doubles
// as the rail idempotency key, so a re-submission after a crash cannot double
// pay.
type Payout struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	GroupID        snowflake.ID `gorm:"not null;index;uniqueIndex:ux_payouts_group_cycle,priority:1" json:"group_id"`
	CycleNumber    int          `gorm:"not null;uniqueIndex:ux_payouts_group_cycle,priority:2" json:"cycle_number"`
	WinnerMemberID snowflake.ID `gorm:"not null;index" json:"winner_member_id"`
	GrossAmount    int64        `gorm:"not null" json:"gross_amount"`
	FeeAmount      int64        `gorm:"not null" json:"fee_amount"`
	NetAmount      int64        `gorm:"not null" json:"net_amount"`
	Currency       string       `gorm:"type:text;not null" json:"currency"`
	Status         PayoutStatus `gorm:"type:text;not null;index" json:"status"`
	RequestKey     string       `gorm:"type:text;not null;uniqueIndex:ux_payouts_request_key" json:"request_key"`
	RailProvider   string       `gorm:"type:text" json:"rail_provider"`
	RailRef        string       `gorm:"type:text" json:"rail_ref"`
	Attempts       int          `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  *time.Time   `gorm:"index" json:"next_attempt_at,omitempty"`
	LastError      string       `gorm:"type:text" json:"last_error,omitempty"`
	SubmittedAt    *time.Time   `json:"submitted_at,omitempty"`
	ConfirmedAt    *time.Time   `json:"confirmed_at,omitempty"`
	FailedAt       *time.Time   `json:"failed_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Payout) TableName() string { return "payouts" }

// BuildRequestKey derives the rail idempotency key for a cycle's payout.
// It is a pure function of (group, cycle) so every retry and every recovered
// crash submits the same key.
func BuildRequestKey(groupID snowflake.ID, cycleNumber int) string {
	return fmt.Sprintf("payout:%d:%d", groupID, cycleNumber)
}
