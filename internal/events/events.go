// Package events is the domain event outbox. Services append events in the
// same transaction scope as their state change; the dispatcher delivers them
// to the configured notification sink at least once.
package events

import (
	"github.com/bwmarrin/snowflake"
)

const (
	EventGroupActivated       = "group.activated"
	EventGroupClosed          = "group.closed"
	EventContributionRecorded = "contribution.recorded"
	EventCycleCompleted       = "cycle.completed"
	EventPayoutSubmitted      = "payout.submitted"
	EventPayoutConfirmed      = "payout.confirmed"
	EventPayoutFailed         = "payout.failed"
	EventPayoutEscalated      = "payout.escalated"
	EventLedgerEntryCreated   = "ledger.entry_created"
)

type Event struct {
	GroupID   snowflake.ID
	Type      string
	Payload   map[string]any
	DedupeKey string
}

type GroupActivatedPayload struct {
	GroupID      string `json:"group_id"`
	MemberCount  int    `json:"member_count"`
	CurrentCycle int    `json:"current_cycle"`
}

func (p GroupActivatedPayload) ToMap() map[string]any {
	return map[string]any{
		"group_id":      p.GroupID,
		"member_count":  p.MemberCount,
		"current_cycle": p.CurrentCycle,
	}
}

type ContributionRecordedPayload struct {
	ContributionID string `json:"contribution_id"`
	GroupID        string `json:"group_id"`
	MemberID       string `json:"member_id"`
	CycleNumber    int    `json:"cycle_number"`
	Amount         int64  `json:"amount"`
	Source         string `json:"source"`
}

func (p ContributionRecordedPayload) ToMap() map[string]any {
	return map[string]any{
		"contribution_id": p.ContributionID,
		"group_id":        p.GroupID,
		"member_id":       p.MemberID,
		"cycle_number":    p.CycleNumber,
		"amount":          p.Amount,
		"source":          p.Source,
	}
}

type CycleCompletedPayload struct {
	GroupID        string `json:"group_id"`
	CycleNumber    int    `json:"cycle_number"`
	WinnerMemberID string `json:"winner_member_id"`
	PayoutID       string `json:"payout_id"`
	GrossAmount    int64  `json:"gross_amount"`
	NetAmount      int64  `json:"net_amount"`
}

func (p CycleCompletedPayload) ToMap() map[string]any {
	return map[string]any{
		"group_id":         p.GroupID,
		"cycle_number":     p.CycleNumber,
		"winner_member_id": p.WinnerMemberID,
		"payout_id":        p.PayoutID,
		"gross_amount":     p.GrossAmount,
		"net_amount":       p.NetAmount,
	}
}

type PayoutStatusPayload struct {
	PayoutID       string `json:"payout_id"`
	GroupID        string `json:"group_id"`
	CycleNumber    int    `json:"cycle_number"`
	WinnerMemberID string `json:"winner_member_id"`
	NetAmount      int64  `json:"net_amount"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
}

func (p PayoutStatusPayload) ToMap() map[string]any {
	out := map[string]any{
		"payout_id":        p.PayoutID,
		"group_id":         p.GroupID,
		"cycle_number":     p.CycleNumber,
		"winner_member_id": p.WinnerMemberID,
		"net_amount":       p.NetAmount,
		"status":           p.Status,
	}
	if p.Reason != "" {
		out["reason"] = p.Reason
	}
	if p.Attempts > 0 {
		out["attempts"] = p.Attempts
	}
	return out
}
