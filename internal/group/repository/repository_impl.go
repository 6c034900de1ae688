package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/tontine/internal/group/domain"
	"github.com/smallbiznis/tontine/pkg/db/option"
)

type groupRepository struct {
	db *gorm.DB
}

func NewGroupRepository(db *gorm.DB) domain.GroupRepository {
	return &groupRepository{db: db}
}

func (r *groupRepository) WithTx(tx *gorm.DB) domain.GroupRepository {
	return &groupRepository{db: tx}
}

func (r *groupRepository) Find(ctx context.Context, opts ...option.QueryOption) ([]domain.Group, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Group{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var groups []domain.Group
	if err := stmt.Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *groupRepository) FindOne(ctx context.Context, opts ...option.QueryOption) (*domain.Group, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Group{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var group domain.Group
	err := stmt.First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (r *groupRepository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Group, error) {
	return r.FindOne(ctx, option.ApplyOperator(option.Condition{Field: "id", Operator: option.EQ, Value: id}))
}

func (r *groupRepository) FindByJoinCode(ctx context.Context, code string) (*domain.Group, error) {
	if code == "" {
		return nil, nil
	}
	return r.FindOne(ctx, option.ApplyOperator(option.Condition{Field: "join_code", Operator: option.EQ, Value: code}))
}

func (r *groupRepository) Create(ctx context.Context, group *domain.Group) error {
	return r.db.WithContext(ctx).Create(group).Error
}

func (r *groupRepository) Update(ctx context.Context, group *domain.Group) error {
	return r.db.WithContext(ctx).Save(group).Error
}

func (r *groupRepository) Count(ctx context.Context, opts ...option.QueryOption) (int64, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Group{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var count int64
	if err := stmt.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

type memberRepository struct {
	db *gorm.DB
}

func NewMemberRepository(db *gorm.DB) domain.MemberRepository {
	return &memberRepository{db: db}
}

func (r *memberRepository) WithTx(tx *gorm.DB) domain.MemberRepository {
	return &memberRepository{db: tx}
}

func (r *memberRepository) Find(ctx context.Context, opts ...option.QueryOption) ([]domain.Member, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Member{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var members []domain.Member
	if err := stmt.Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

func (r *memberRepository) FindOne(ctx context.Context, opts ...option.QueryOption) (*domain.Member, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Member{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var member domain.Member
	err := stmt.First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *memberRepository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Member, error) {
	return r.FindOne(ctx, option.ApplyOperator(option.Condition{Field: "id", Operator: option.EQ, Value: id}))
}

func (r *memberRepository) FindActiveByGroup(ctx context.Context, groupID snowflake.ID) ([]domain.Member, error) {
	var members []domain.Member
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND status = ?", groupID, domain.MemberStatusActive).
		Order("join_order asc, id asc").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *memberRepository) Create(ctx context.Context, member *domain.Member) error {
	return r.db.WithContext(ctx).Create(member).Error
}

func (r *memberRepository) Update(ctx context.Context, member *domain.Member) error {
	return r.db.WithContext(ctx).Save(member).Error
}

func (r *memberRepository) SetPayoutEligible(ctx context.Context, id snowflake.ID, eligible bool) error {
	return r.db.WithContext(ctx).
		Model(&domain.Member{}).
		Where("id = ?", id).
		Update("payout_eligible", eligible).Error
}

func (r *memberRepository) ResetPayoutEligibility(ctx context.Context, groupID snowflake.ID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Member{}).
		Where("group_id = ? AND status = ?", groupID, domain.MemberStatusActive).
		Update("payout_eligible", true)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *memberRepository) Count(ctx context.Context, opts ...option.QueryOption) (int64, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Member{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var count int64
	if err := stmt.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
