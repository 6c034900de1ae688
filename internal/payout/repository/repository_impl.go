package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/pkg/db"
	"github.com/smallbiznis/tontine/pkg/db/option"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) domain.Repository {
	return &repository{db: conn}
}

func (r *repository) WithTx(tx *gorm.DB) domain.Repository {
	return &repository{db: tx}
}

func (r *repository) Find(ctx context.Context, opts ...option.QueryOption) ([]domain.Payout, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Payout{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var payouts []domain.Payout
	if err := stmt.Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}

func (r *repository) FindOne(ctx context.Context, opts ...option.QueryOption) (*domain.Payout, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.Payout{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}

	var payout domain.Payout
	err := stmt.First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Payout, error) {
	return r.FindOne(ctx, option.ApplyOperator(option.Condition{Field: "id", Operator: option.EQ, Value: id}))
}

func (r *repository) FindByGroupCycle(ctx context.Context, groupID snowflake.ID, cycleNumber int) (*domain.Payout, error) {
	var payout domain.Payout
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND cycle_number = ?", groupID, cycleNumber).
		First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repository) FindLatestConfirmed(ctx context.Context, groupID snowflake.ID) (*domain.Payout, error) {
	var payout domain.Payout
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND status = ?", groupID, domain.PayoutStatusConfirmed).
		Order("cycle_number desc").
		First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (r *repository) Create(ctx context.Context, payout *domain.Payout) error {
	return r.db.WithContext(ctx).Create(payout).Error
}

func (r *repository) Update(ctx context.Context, payout *domain.Payout) error {
	return r.db.WithContext(ctx).Save(payout).Error
}

// ClaimDue promotes due pending rows to processing inside one transaction.
// Claiming is the mutual exclusion: a row moves to processing exactly once,
// so two dispatchers can run this concurrently.
func (r *repository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Payout, error) {
	if limit <= 0 {
		limit = 20
	}

	var claimed []domain.Payout
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT id FROM payouts
		 WHERE status = ?
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC
		 LIMIT ?`
		if db.SupportsSkipLocked(tx) {
			query += `
		 FOR UPDATE SKIP LOCKED`
		}

		var ids []snowflake.ID
		if err := tx.Raw(query, domain.PayoutStatusPending, now, limit).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		result := tx.Model(&domain.Payout{}).
			Where("id IN ? AND status = ?", ids, domain.PayoutStatusPending).
			Updates(map[string]any{
				"status":     domain.PayoutStatusProcessing,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		return tx.Where("id IN ? AND status = ?", ids, domain.PayoutStatusProcessing).
			Order("created_at asc").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repository) Transition(ctx context.Context, id snowflake.ID, from domain.PayoutStatus, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Payout{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) FindStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payout, error) {
	if limit <= 0 {
		limit = 50
	}

	var payouts []domain.Payout
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.PayoutStatusProcessing, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&payouts).Error
	if err != nil {
		return nil, err
	}
	return payouts, nil
}
