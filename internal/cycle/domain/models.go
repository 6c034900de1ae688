// Package domain describes cycle state. Cycles have no table of their own:
// a cycle is derived from the group's current_cycle pointer, the confirmed
// contribution slots, and the payout row that closes it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type CycleStatus string

const (
	// CycleStatusOpen still has unpaid slots.
	CycleStatusOpen CycleStatus = "open"
	// CycleStatusComplete is fully collected with its payout in flight.
	CycleStatusComplete CycleStatus = "complete"
	// CycleStatusPaid has a confirmed payout.
	CycleStatusPaid CycleStatus = "paid"
	// CycleStatusClosed belongs to a group that closed before completion.
	CycleStatusClosed CycleStatus = "closed"
)

type CycleSummary struct {
	GroupID         snowflake.ID  `json:"group_id"`
	CycleNumber     int           `json:"cycle_number"`
	Status          CycleStatus   `json:"status"`
	ExpectedMembers int           `json:"expected_members"`
	ConfirmedCount  int           `json:"confirmed_count"`
	ExpectedAmount  int64         `json:"expected_amount"`
	CollectedTotal  int64         `json:"collected_total"`
	WinnerMemberID  *snowflake.ID `json:"winner_member_id,omitempty"`
	PayoutID        *snowflake.ID `json:"payout_id,omitempty"`
	PayoutStatus    string        `json:"payout_status,omitempty"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
}
