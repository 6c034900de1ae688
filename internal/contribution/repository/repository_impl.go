package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/tontine/internal/contribution/domain"
	"github.com/smallbiznis/tontine/pkg/db/option"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) Find(ctx context.Context, opts ...option.QueryOption) ([]domain.Contribution, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Contribution{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var contributions []domain.Contribution
	if err := stmt.Find(&contributions).Error; err != nil {
		return nil, err
	}
	return contributions, nil
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Contribution, error) {
	var contribution domain.Contribution
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&contribution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &contribution, nil
}

func (r *repository) FindBySlot(ctx context.Context, groupID snowflake.ID, cycleNumber int, memberID snowflake.ID) (*domain.Contribution, error) {
	var contribution domain.Contribution
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND cycle_number = ? AND member_id = ?", groupID, cycleNumber, memberID).
		First(&contribution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &contribution, nil
}

func (r *repository) FindByKey(ctx context.Context, key string) (*domain.Contribution, error) {
	if key == "" {
		return nil, nil
	}

	var contribution domain.Contribution
	err := r.db.WithContext(ctx).
		Where("confirmation_id = ? OR client_key = ?", key, key).
		First(&contribution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &contribution, nil
}

func (r *repository) ListByGroupCycle(ctx context.Context, groupID snowflake.ID, cycleNumber int) ([]domain.Contribution, error) {
	var contributions []domain.Contribution
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND cycle_number = ?", groupID, cycleNumber).
		Order("created_at asc, id asc").
		Find(&contributions).Error
	if err != nil {
		return nil, err
	}
	return contributions, nil
}

// CreateIdempotent races on the slot unique index. A conflicting slot insert
// is silently skipped; a conflicting confirmation_id or client_key still
// errors so callers can resolve the duplicate by key.
func (r *repository) CreateIdempotent(ctx context.Context, contribution *domain.Contribution) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "group_id"},
				{Name: "cycle_number"},
				{Name: "member_id"},
			},
			DoNothing: true,
		}).
		Create(contribution)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) ClaimSlot(ctx context.Context, id snowflake.ID, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
		Where("id = ? AND status IN ?", id, []domain.ContributionStatus{
			domain.ContributionStatusPending,
			domain.ContributionStatusFailed,
		}).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) Update(ctx context.Context, contribution *domain.Contribution) error {
	return r.db.WithContext(ctx).Save(contribution).Error
}

func (r *repository) CountConfirmed(ctx context.Context, groupID snowflake.ID, cycleNumber int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
		Where("group_id = ? AND cycle_number = ? AND status = ?", groupID, cycleNumber, domain.ContributionStatusConfirmed).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) SumConfirmed(ctx context.Context, groupID snowflake.ID, cycleNumber int) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&domain.Contribution{}).
		Where("group_id = ? AND cycle_number = ? AND status = ?", groupID, cycleNumber, domain.ContributionStatusConfirmed).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
