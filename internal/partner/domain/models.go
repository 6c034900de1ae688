// Package domain contains partner settlement records. Partner shares accrue
// on fee records as cycles complete; the daily rollup folds them into one
// settlement row per partner and day.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type SettlementStatus string

const (
	SettlementStatusAccrued SettlementStatus = "accrued"
	SettlementStatusSettled SettlementStatus = "settled"
)

type PartnerSettlement struct {
	ID          snowflake.ID     `gorm:"primaryKey" json:"id"`
	PartnerCode string           `gorm:"type:text;not null;uniqueIndex:ux_partner_settlements_period,priority:1" json:"partner_code"`
	PeriodStart time.Time        `gorm:"not null;uniqueIndex:ux_partner_settlements_period,priority:2" json:"period_start"`
	PeriodEnd   time.Time        `gorm:"not null" json:"period_end"`
	Amount      int64            `gorm:"not null" json:"amount"`
	PayoutCount int64            `gorm:"not null" json:"payout_count"`
	Currency    string           `gorm:"type:text;not null" json:"currency"`
	Status      SettlementStatus `gorm:"type:text;not null;index" json:"status"`
	SettledAt   *time.Time       `json:"settled_at,omitempty"`
	CreatedAt   time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (PartnerSettlement) TableName() string { return "partner_settlements" }
