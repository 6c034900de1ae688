// Package domain contains the contribution ledger models. One row per
// (group, cycle, member) slot is the single source of truth for "who has
// paid"; the unique keys on confirmation_id and client_key are what make
// intake idempotent under at-least-once delivery.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ContributionStatus string

const (
	// ContributionStatusPending is an initiated payment awaiting its rail
	// confirmation.
	ContributionStatusPending   ContributionStatus = "pending"
	ContributionStatusConfirmed ContributionStatus = "confirmed"
	ContributionStatusFailed    ContributionStatus = "failed"
)

const (
	SourceRail   = "rail"
	SourceDirect = "direct"
	SourceAgent  = "agent"
)

// Contribution is one member's payment slot for one cycle. Rows are never
// deleted; a failed payment attempt is retried by moving the same slot back
// through pending. ConfirmationID and ClientKey are nullable so unseen keys
// never collide; both are globally unique once set.
type Contribution struct {
	ID             snowflake.ID       `gorm:"primaryKey" json:"id"`
	GroupID        snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_contributions_slot,priority:1" json:"group_id"`
	CycleNumber    int                `gorm:"not null;uniqueIndex:ux_contributions_slot,priority:2" json:"cycle_number"`
	MemberID       snowflake.ID       `gorm:"not null;uniqueIndex:ux_contributions_slot,priority:3" json:"member_id"`
	Amount         int64              `gorm:"not null" json:"amount"`
	Currency       string             `gorm:"type:text;not null" json:"currency"`
	Status         ContributionStatus `gorm:"type:text;not null;index" json:"status"`
	ConfirmationID *string            `gorm:"type:text;uniqueIndex:ux_contributions_confirmation_id" json:"confirmation_id,omitempty"`
	ClientKey      *string            `gorm:"type:text;uniqueIndex:ux_contributions_client_key" json:"client_key,omitempty"`
	Source         string             `gorm:"type:text;not null" json:"source"`
	RailProvider   string             `gorm:"type:text" json:"rail_provider,omitempty"`
	RailInvoiceID  string             `gorm:"type:text" json:"rail_invoice_id,omitempty"`
	FailureReason  string             `gorm:"type:text" json:"failure_reason,omitempty"`
	SettledAt      *time.Time         `json:"settled_at,omitempty"`
	CreatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Contribution) TableName() string { return "contributions" }

// MatchesKey reports whether this row was recorded under the given
// idempotency key.
func (c *Contribution) MatchesKey(key string) bool {
	if key == "" {
		return false
	}
	if c.ConfirmationID != nil && *c.ConfirmationID == key {
		return true
	}
	if c.ClientKey != nil && *c.ClientKey == key {
		return true
	}
	return false
}
