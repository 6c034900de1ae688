package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/tontine/internal/partner/domain"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) Insert(ctx context.Context, settlement *domain.PartnerSettlement) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "partner_code"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(settlement)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.PartnerSettlement, error) {
	var settlement domain.PartnerSettlement
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&settlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (r *repository) List(ctx context.Context, req domain.ListSettlementsRequest) ([]domain.PartnerSettlement, error) {
	stmt := r.db.WithContext(ctx).Model(&domain.PartnerSettlement{})
	if req.PartnerCode != "" {
		stmt = stmt.Where("partner_code = ?", req.PartnerCode)
	}
	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}
	size := req.Size
	if size <= 0 || size > 200 {
		size = 50
	}

	var settlements []domain.PartnerSettlement
	err := stmt.Order("period_start desc, partner_code asc").
		Limit(size).
		Find(&settlements).Error
	if err != nil {
		return nil, err
	}
	return settlements, nil
}

func (r *repository) MarkSettled(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.PartnerSettlement{}).
		Where("id = ? AND status = ?", id, domain.SettlementStatusAccrued).
		Updates(map[string]any{
			"status":     domain.SettlementStatusSettled,
			"settled_at": at,
			"updated_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
