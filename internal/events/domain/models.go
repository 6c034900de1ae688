package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EngineEvent captures outbox events for cycle and payout workflows.
type EngineEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	GroupID     snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_tontine_event_dedupe,priority:1"`
	EventType   string            `gorm:"type:text;not null"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_tontine_event_dedupe,priority:2"`
	Published   bool              `gorm:"not null;default:false"`
	PublishedAt *time.Time        `gorm:""`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (EngineEvent) TableName() string { return "tontine_events" }
