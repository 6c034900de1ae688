package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// OperatorKey stores hashed credentials for platform staff. Keys are global:
// operators act across every group, with casbin narrowing what the operator
// role may touch.
type OperatorKey struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	KeyID            string       `gorm:"column:key_id;type:text;not null;uniqueIndex:ux_operator_keys_key_id"`
	Name             string       `gorm:"type:text;not null"`
	Role             string       `gorm:"type:text;not null"`
	KeyHash          string       `gorm:"column:key_hash;type:text;not null;index:idx_operator_keys_key_hash"`
	IsActive         bool         `gorm:"column:is_active;not null;default:true"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastUsedAt       *time.Time   `gorm:"column:last_used_at"`
	ExpiresAt        *time.Time   `gorm:"column:expires_at"`
	RotatedFromKeyID *string      `gorm:"column:rotated_from_key_id;type:text"`
}

// TableName sets the database table name.
func (OperatorKey) TableName() string { return "operator_keys" }
