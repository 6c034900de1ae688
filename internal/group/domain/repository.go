package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tontine/pkg/db/option"
	"gorm.io/gorm"
)

type GroupRepository interface {
	WithTx(tx *gorm.DB) GroupRepository
	Find(ctx context.Context, opts ...option.QueryOption) ([]Group, error)
	FindOne(ctx context.Context, opts ...option.QueryOption) (*Group, error)
	FindByID(ctx context.Context, id snowflake.ID) (*Group, error)
	FindByJoinCode(ctx context.Context, code string) (*Group, error)
	Create(ctx context.Context, group *Group) error
	Update(ctx context.Context, group *Group) error
	Count(ctx context.Context, opts ...option.QueryOption) (int64, error)
}

type MemberRepository interface {
	WithTx(tx *gorm.DB) MemberRepository
	Find(ctx context.Context, opts ...option.QueryOption) ([]Member, error)
	FindOne(ctx context.Context, opts ...option.QueryOption) (*Member, error)
	FindByID(ctx context.Context, id snowflake.ID) (*Member, error)
	// FindActiveByGroup returns active members ordered by join_order. Winner
	// selection depends on this ordering being stable.
	FindActiveByGroup(ctx context.Context, groupID snowflake.ID) ([]Member, error)
	Create(ctx context.Context, member *Member) error
	Update(ctx context.Context, member *Member) error
	// SetPayoutEligible flips one member's eligibility flag.
	SetPayoutEligible(ctx context.Context, id snowflake.ID, eligible bool) error
	// ResetPayoutEligibility marks every active member of the group eligible
	// again and reports how many rows changed.
	ResetPayoutEligibility(ctx context.Context, groupID snowflake.ID) (int64, error)
	Count(ctx context.Context, opts ...option.QueryOption) (int64, error)
}
