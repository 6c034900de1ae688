package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, key *OperatorKey) error
	Update(ctx context.Context, db *gorm.DB, key *OperatorKey) error
	FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*OperatorKey, error)
	List(ctx context.Context, db *gorm.DB) ([]OperatorKey, error)
}
