package events

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/events/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Outbox interface {
	Publish(ctx context.Context, event Event) error
	// PublishTx appends the event inside the caller's transaction so the
	// event row commits or rolls back with the state change it describes.
	PublishTx(ctx context.Context, tx *gorm.DB, event Event) error
}

type gormOutbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) Outbox {
	return &gormOutbox{db: db, genID: genID, clock: clk}
}

// Publish appends the event row. Events carrying a dedupe key are inserted
// at most once per group; replays silently no-op.
func (o *gormOutbox) Publish(ctx context.Context, event Event) error {
	return o.publish(ctx, o.db, event)
}

func (o *gormOutbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		tx = o.db
	}
	return o.publish(ctx, tx, event)
}

func (o *gormOutbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return errors.New("missing_event_type")
	}
	if event.GroupID == 0 {
		return errors.New("missing_group_id")
	}

	row := domain.EngineEvent{
		ID:        o.genID.Generate(),
		GroupID:   event.GroupID,
		EventType: eventType,
		Payload:   datatypes.JSONMap(event.Payload),
		CreatedAt: o.clock.Now(),
	}
	if key := strings.TrimSpace(event.DedupeKey); key != "" {
		row.DedupeKey = &key
	}

	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}, {Name: "dedupe_key"}},
		DoNothing: true,
	}
	return db.WithContext(ctx).Clauses(conflict).Create(&row).Error
}
