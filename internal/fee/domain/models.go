package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// FeeRecord persists the fee split applied to one payout. SummaryHash is a
// deterministic digest of the split so auditors can verify a record was not
// edited after the fact.
type FeeRecord struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	PayoutID       snowflake.ID `gorm:"not null;uniqueIndex:ux_fee_records_payout" json:"payout_id"`
	GroupID        snowflake.ID `gorm:"not null;index" json:"group_id"`
	CycleNumber    int          `gorm:"not null" json:"cycle_number"`
	GrossAmount    int64        `gorm:"not null" json:"gross_amount"`
	BaseFee        int64        `gorm:"not null" json:"base_fee"`
	FinalFee       int64        `gorm:"not null" json:"final_fee"`
	CommunityShare int64        `gorm:"not null" json:"community_share"`
	PartnerShare   int64        `gorm:"not null" json:"partner_share"`
	PlatformShare  int64        `gorm:"not null" json:"platform_share"`
	PartnerCode    string       `gorm:"type:text" json:"partner_code"`
	Verified       bool         `gorm:"not null" json:"verified"`
	Recurring      bool         `gorm:"not null" json:"recurring"`
	SummaryHash    string       `gorm:"type:text;not null" json:"summary_hash"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (FeeRecord) TableName() string { return "fee_records" }
