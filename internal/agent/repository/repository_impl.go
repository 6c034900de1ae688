package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/smallbiznis/tontine/internal/agent/domain"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) domain.Repository {
	return &repository{db: conn}
}

func (r *repository) Insert(ctx context.Context, action *domain.PendingAction) error {
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *repository) FindByID(ctx context.Context, id string) (*domain.PendingAction, error) {
	var action domain.PendingAction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// QueuedHeads picks the oldest queued row per group. ULID ids sort by
// creation time, so MIN(id) is the head.
func (r *repository) QueuedHeads(ctx context.Context) ([]domain.PendingAction, error) {
	var heads []domain.PendingAction
	err := r.db.WithContext(ctx).
		Raw(`SELECT p.* FROM pending_actions p
		     JOIN (SELECT group_id, MIN(id) AS head_id
		           FROM pending_actions
		           WHERE status = ?
		           GROUP BY group_id) h ON p.id = h.head_id
		     ORDER BY p.id`, domain.ActionStatusQueued).
		Scan(&heads).Error
	if err != nil {
		return nil, err
	}
	return heads, nil
}

func (r *repository) Transition(ctx context.Context, id string, from domain.ActionStatus, updates map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.PendingAction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) RequestCancel(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.PendingAction{}).
		Where("id = ? AND status = ?", id, domain.ActionStatusInflight).
		Update("cancel_requested", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.PendingAction{}).Error
}

func (r *repository) CountByStatus(ctx context.Context) (map[domain.ActionStatus]int64, error) {
	type statusCount struct {
		Status domain.ActionStatus
		Count  int64
	}
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&domain.PendingAction{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.ActionStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *repository) ListByStatus(ctx context.Context, status domain.ActionStatus, limit int) ([]domain.PendingAction, error) {
	stmt := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var actions []domain.PendingAction
	if err := stmt.Find(&actions).Error; err != nil {
		return nil, err
	}
	return actions, nil
}

func (r *repository) PurgeConfirmedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND confirmed_at < ?", domain.ActionStatusConfirmed, cutoff).
		Delete(&domain.PendingAction{})
	return result.RowsAffected, result.Error
}
