package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// PartnerShareRollup aggregates fee shares owed to one partner over a
// settlement window.
type PartnerShareRollup struct {
	PartnerCode string `json:"partner_code"`
	Total       int64  `json:"total"`
	Payouts     int64  `json:"payouts"`
}

type Repository interface {
	// Insert is idempotent per payout: re-inserting the record for a payout
	// that already has one is a no-op.
	Insert(ctx context.Context, db *gorm.DB, record *FeeRecord) error
	FindByPayout(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) (*FeeRecord, error)
	ListByGroup(ctx context.Context, db *gorm.DB, groupID snowflake.ID) ([]FeeRecord, error)
	// SumPartnerShares totals partner shares per partner code over a
	// window, for settlement rollups.
	SumPartnerShares(ctx context.Context, db *gorm.DB, from, to time.Time) ([]PartnerShareRollup, error)
}
