package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidGroup         = errors.New("invalid_group")
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
	ErrUnknownAccountCode   = errors.New("unknown_account_code")
)

// ValidateBalanced rejects entries whose debits and credits do not sum to
// the same total.
func ValidateBalanced(lines []LedgerEntryLine) error {
	if len(lines) < 2 {
		return ErrInvalidEntryLines
	}
	var debits, credits int64
	for _, line := range lines {
		if line.Amount < 0 {
			return ErrInvalidLineAmount
		}
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			debits += line.Amount
		case LedgerEntryDirectionCredit:
			credits += line.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	if debits != credits {
		return ErrUnbalancedEntry
	}
	return nil
}

// AccountBalance is the net position of one account, computed from lines.
type AccountBalance struct {
	Code    LedgerAccountCode `json:"code"`
	Kind    LedgerAccountKind `json:"kind"`
	Name    string            `json:"name"`
	Debits  int64             `json:"debits"`
	Credits int64             `json:"credits"`
	Net     int64             `json:"net"`
}

type Service interface {
	// CreateEntry posts one balanced entry. When tx is non-nil the posting
	// joins the caller's transaction, so a state change and its ledger legs
	// commit or roll back together. Re-posting the same (group, source) is
	// a no-op.
	CreateEntry(ctx context.Context, tx *gorm.DB, groupID snowflake.ID, sourceType LedgerSourceType, sourceID snowflake.ID, currency string, occurredAt time.Time, lines []LedgerEntryLine) error

	// AccountByCode resolves a chart account. Codes are seeded at startup.
	AccountByCode(ctx context.Context, code LedgerAccountCode) (*LedgerAccount, error)

	// Balances aggregates every account's debits and credits, optionally
	// scoped to one group (zero means platform-wide).
	Balances(ctx context.Context, groupID snowflake.ID) ([]AccountBalance, error)
}
