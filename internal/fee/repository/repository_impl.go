package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/tontine/internal/fee/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.FeeRecord) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payout_id"}},
			DoNothing: true,
		}).
		Create(record).Error
}

func (r *repo) FindByPayout(ctx context.Context, db *gorm.DB, payoutID snowflake.ID) (*domain.FeeRecord, error) {
	var record domain.FeeRecord
	err := db.WithContext(ctx).Where("payout_id = ?", payoutID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) ListByGroup(ctx context.Context, db *gorm.DB, groupID snowflake.ID) ([]domain.FeeRecord, error) {
	var records []domain.FeeRecord
	err := db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("cycle_number asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) SumPartnerShares(ctx context.Context, db *gorm.DB, from, to time.Time) ([]domain.PartnerShareRollup, error) {
	var rollups []domain.PartnerShareRollup
	err := db.WithContext(ctx).Raw(
		`SELECT partner_code, COALESCE(SUM(partner_share), 0) AS total, COUNT(*) AS payouts
		 FROM fee_records
		 WHERE partner_code <> ''
		   AND partner_share > 0
		   AND created_at >= ? AND created_at < ?
		 GROUP BY partner_code
		 ORDER BY partner_code ASC`,
		from,
		to,
	).Scan(&rollups).Error
	if err != nil {
		return nil, err
	}
	return rollups, nil
}
