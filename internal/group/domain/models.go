// Package domain contains persistence models for savings groups.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type GroupStatus string

const (
	GroupStatusForming GroupStatus = "forming"
	GroupStatusActive  GroupStatus = "active"
	GroupStatusClosed  GroupStatus = "closed"
)

// Group is one rotating savings group. current_cycle is the single source of
// truth for which cycle is open; only the cycle engine advances it.
type Group struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name               string            `gorm:"type:text;not null" json:"name"`
	JoinCode           string            `gorm:"type:text;not null;uniqueIndex:ux_groups_join_code" json:"join_code"`
	Status             GroupStatus       `gorm:"type:text;not null;index" json:"status"`
	ContributionAmount int64             `gorm:"not null" json:"contribution_amount"`
	Currency           string            `gorm:"type:text;not null" json:"currency"`
	CycleLengthDays    int               `gorm:"not null" json:"cycle_length_days"`
	CurrentCycle       int               `gorm:"not null;default:1" json:"current_cycle"`
	Recurring          bool              `gorm:"not null;default:false" json:"recurring"`
	PartnerCode        string            `gorm:"type:text" json:"partner_code"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`
	ActivatedAt        *time.Time        `json:"activated_at,omitempty"`
	ClosedAt           *time.Time        `json:"closed_at,omitempty"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Group) TableName() string { return "groups" }

type MemberRole string

const (
	RoleOrganizer MemberRole = "organizer"
	RoleMember    MemberRole = "member"
)

type MemberStatus string

const (
	MemberStatusActive   MemberStatus = "active"
	MemberStatusDeparted MemberStatus = "departed"
)

// Member is one person's membership in one group, keyed by MSISDN. The same
// phone joining two groups yields two member rows. join_order fixes the
// deterministic ordering used by winner selection.
type Member struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	GroupID        snowflake.ID `gorm:"not null;index;uniqueIndex:ux_members_group_msisdn,priority:1" json:"group_id"`
	MSISDN         string       `gorm:"type:text;not null;column:msisdn;uniqueIndex:ux_members_group_msisdn,priority:2" json:"msisdn"`
	DisplayName    string       `gorm:"type:text;not null" json:"display_name"`
	Role           MemberRole   `gorm:"type:text;not null" json:"role"`
	Status         MemberStatus `gorm:"type:text;not null;index" json:"status"`
	PINHash        string       `gorm:"type:text;not null;column:pin_hash" json:"-"`
	Verified       bool         `gorm:"not null;default:false" json:"verified"`
	PayoutEligible bool         `gorm:"not null;default:true" json:"payout_eligible"`
	JoinOrder      int          `gorm:"not null" json:"join_order"`
	PayoutTarget   string       `gorm:"type:text" json:"payout_target"`
	JoinedAt       time.Time    `gorm:"not null" json:"joined_at"`
	DepartedAt     *time.Time   `json:"departed_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Member) TableName() string { return "group_members" }
