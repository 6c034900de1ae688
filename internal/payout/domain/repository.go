package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tontine/pkg/db/option"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, opts ...option.QueryOption) ([]Payout, error)
	FindOne(ctx context.Context, opts ...option.QueryOption) (*Payout, error)
	FindByID(ctx context.Context, id snowflake.ID) (*Payout, error)
	FindByGroupCycle(ctx context.Context, groupID snowflake.ID, cycleNumber int) (*Payout, error)
	FindLatestConfirmed(ctx context.Context, groupID snowflake.ID) (*Payout, error)
	// Create inserts the payout row. A unique violation on
	// (group_id, cycle_number) means another worker already claimed the cycle.
	Create(ctx context.Context, payout *Payout) error
	Update(ctx context.Context, payout *Payout) error

	// ClaimDue moves up to limit due pending payouts to processing and
	// returns the claimed rows. Uses SKIP LOCKED where the dialect has it so
	// concurrent dispatchers never block on each other.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Payout, error)
	// Transition applies updates iff the payout is still in the expected
	// status. Returns false when another worker won the race.
	Transition(ctx context.Context, id snowflake.ID, from PayoutStatus, updates map[string]any) (bool, error)
	// FindStuckProcessing returns processing rows whose submission is older
	// than the cutoff, for crash recovery.
	FindStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]Payout, error)
}
