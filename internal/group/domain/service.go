package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidGroupName     = errors.New("invalid_group_name")
	ErrInvalidAmount        = errors.New("invalid_contribution_amount")
	ErrInvalidCycleLength   = errors.New("invalid_cycle_length")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrGroupNotFound        = errors.New("group_not_found")
	ErrGroupNotActive       = errors.New("group_not_active")
	ErrGroupAlreadyActive   = errors.New("group_already_active")
	ErrGroupClosed          = errors.New("group_closed")
	ErrInvalidJoinCode      = errors.New("invalid_join_code")
	ErrInvalidMSISDN        = errors.New("invalid_msisdn")
	ErrInvalidPIN           = errors.New("invalid_pin")
	ErrMemberNotFound       = errors.New("member_not_found")
	ErrMemberAlreadyJoined  = errors.New("member_already_joined")
	ErrMemberDeparted       = errors.New("member_departed")
	ErrNotEnoughMembers     = errors.New("not_enough_members")
	ErrMemberHasObligations = errors.New("member_has_open_obligations")
)

// MinActiveMembers is the smallest roster a group may activate with. A
// rotation over fewer than two members is not a rotation.
const MinActiveMembers = 2

type CreateGroupRequest struct {
	Name               string         `json:"name" binding:"required"`
	ContributionAmount int64          `json:"contribution_amount" binding:"required"`
	Currency           string         `json:"currency"`
	CycleLengthDays    int            `json:"cycle_length_days"`
	PartnerCode        string         `json:"partner_code"`
	Metadata           map[string]any `json:"metadata"`

	// Organizer bootstrap: the creator becomes the first member.
	OrganizerName   string `json:"organizer_name" binding:"required"`
	OrganizerMSISDN string `json:"organizer_msisdn" binding:"required"`
	OrganizerPIN    string `json:"organizer_pin" binding:"required"`
}

type JoinGroupRequest struct {
	JoinCode    string `json:"join_code" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
	MSISDN      string `json:"msisdn" binding:"required"`
	PIN         string `json:"pin" binding:"required"`
}

type ListGroupsRequest struct {
	Status  GroupStatus `form:"status"`
	Page    string      `form:"page"`
	Size    int         `form:"size"`
	SortBy  string      `form:"sort_by"`
	OrderBy string      `form:"order_by"`
}

type UpdateMemberRequest struct {
	GroupID      snowflake.ID
	MemberID     snowflake.ID
	Verified     *bool  `json:"verified"`
	PayoutTarget string `json:"payout_target"`
}

// GroupStatusSummary is the reconciliation view of one group: who has paid
// into the current cycle and who is still outstanding.
type GroupStatusSummary struct {
	GroupID        snowflake.ID `json:"group_id"`
	Status         GroupStatus  `json:"status"`
	CurrentCycle   int          `json:"current_cycle"`
	MembersTotal   int          `json:"members_total"`
	MembersPaid    []MemberRef  `json:"members_paid"`
	MembersPending []MemberRef  `json:"members_pending"`
	ExpectedAmount int64        `json:"expected_amount"`
	CollectedTotal int64        `json:"collected_total"`
	LastPayout     *PayoutRef   `json:"last_payout,omitempty"`

	// Display-only XOF conversion; zero when no rate is available.
	RateXOFPerBTC     int64 `json:"rate_xof_per_btc,omitempty"`
	ExpectedAmountXOF int64 `json:"expected_amount_xof,omitempty"`
	CollectedTotalXOF int64 `json:"collected_total_xof,omitempty"`
}

type MemberRef struct {
	MemberID    snowflake.ID `json:"member_id"`
	DisplayName string       `json:"display_name"`
	JoinOrder   int          `json:"join_order"`
}

type PayoutRef struct {
	CycleNumber    int          `json:"cycle_number"`
	WinnerMemberID snowflake.ID `json:"winner_member_id"`
	NetAmount      int64        `json:"net_amount"`
	Status         string       `json:"status"`
	ConfirmedAt    *time.Time   `json:"confirmed_at,omitempty"`
}

type Service interface {
	CreateGroup(ctx context.Context, req CreateGroupRequest) (*Group, error)
	GetGroup(ctx context.Context, id snowflake.ID) (*Group, error)
	ListGroups(ctx context.Context, req ListGroupsRequest) ([]Group, int64, error)
	// ActivateGroup freezes the roster and opens cycle 1. Requires at least
	// MinActiveMembers active members.
	ActivateGroup(ctx context.Context, id snowflake.ID) (*Group, error)
	CloseGroup(ctx context.Context, id snowflake.ID) (*Group, error)
	// GetGroupStatus is the organizer's reconciliation view: paid and
	// outstanding members for the current cycle plus the last payout.
	GetGroupStatus(ctx context.Context, id snowflake.ID) (*GroupStatusSummary, error)

	JoinGroup(ctx context.Context, req JoinGroupRequest) (*Member, error)
	// VerifyMemberPIN authenticates a member by MSISDN and PIN. It backs
	// session login; callers never see the stored hash.
	VerifyMemberPIN(ctx context.Context, groupID snowflake.ID, msisdn, pin string) (*Member, error)
	GetMember(ctx context.Context, groupID, memberID snowflake.ID) (*Member, error)
	ListMembers(ctx context.Context, groupID snowflake.ID) ([]Member, error)
	UpdateMember(ctx context.Context, req UpdateMemberRequest) (*Member, error)
	// DepartMember removes a member from future cycles. Members with an open
	// contribution obligation in the current cycle cannot depart.
	DepartMember(ctx context.Context, groupID, memberID snowflake.ID) (*Member, error)
}
