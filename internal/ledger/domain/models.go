// Package domain defines the double-entry ledger behind every sat the engine
// moves. Contribution and payout flows post balanced entries; the ledger is
// derived bookkeeping and never drives state transitions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	// Money in: a member's confirmed contribution lands in the group pool.
	SourceTypeContribution LedgerSourceType = "contribution"
	// Money out: a confirmed payout empties the cycle's pool, including the
	// fee split legs.
	SourceTypePayout LedgerSourceType = "payout"
	// Partner share paid out of partner_payable for a settled period.
	SourceTypeSettlement LedgerSourceType = "settlement"
	// Manual operator correction.
	SourceTypeAdjustment LedgerSourceType = "adjustment"
)

type LedgerAccountCode string

const (
	// Assets
	AccountCodeMemberFunds    LedgerAccountCode = "member_funds"
	AccountCodePayoutClearing LedgerAccountCode = "payout_clearing"

	// Liabilities
	AccountCodeGroupPool      LedgerAccountCode = "group_pool"
	AccountCodeCommunityFund  LedgerAccountCode = "community_fund"
	AccountCodePartnerPayable LedgerAccountCode = "partner_payable"

	// Revenue
	AccountCodePlatformRevenue LedgerAccountCode = "platform_revenue"
)

type LedgerAccountKind string

const (
	AccountKindAsset     LedgerAccountKind = "asset"
	AccountKindLiability LedgerAccountKind = "liability"
	AccountKindRevenue   LedgerAccountKind = "revenue"
)

// LedgerAccount defines a chart-of-accounts entry. The chart is platform
// wide; the group dimension lives on entries, not accounts.
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Code      LedgerAccountCode `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_code"`
	Kind      LedgerAccountKind `gorm:"type:text;not null"`
	Name      string            `gorm:"type:text;not null"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry captures the immutable header for a financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	GroupID    snowflake.ID     `gorm:"not null;index;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceType LedgerSourceType `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:3"`
	Currency   string           `gorm:"type:text;not null"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Currency      string               `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }
