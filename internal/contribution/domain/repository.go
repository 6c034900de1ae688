package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tontine/pkg/db/option"
	"gorm.io/gorm"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, opts ...option.QueryOption) ([]Contribution, error)
	FindByID(ctx context.Context, id snowflake.ID) (*Contribution, error)
	FindBySlot(ctx context.Context, groupID snowflake.ID, cycleNumber int, memberID snowflake.ID) (*Contribution, error)
	FindByKey(ctx context.Context, key string) (*Contribution, error)
	ListByGroupCycle(ctx context.Context, groupID snowflake.ID, cycleNumber int) ([]Contribution, error)

	// CreateIdempotent inserts the row unless its slot is already taken.
	// Returns true when this call created the row.
	CreateIdempotent(ctx context.Context, contribution *Contribution) (bool, error)
	// ClaimSlot promotes an existing pending or failed slot row to confirmed
	// with the given key fields. Returns false when another writer got there
	// first.
	ClaimSlot(ctx context.Context, id snowflake.ID, updates map[string]any) (bool, error)
	Update(ctx context.Context, contribution *Contribution) error

	// CountConfirmed reports confirmed slots for a cycle; completeness is
	// this count reaching the active roster size.
	CountConfirmed(ctx context.Context, groupID snowflake.ID, cycleNumber int) (int64, error)
	SumConfirmed(ctx context.Context, groupID snowflake.ID, cycleNumber int) (int64, error)
}
