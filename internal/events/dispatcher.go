package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/config"
	"github.com/smallbiznis/tontine/internal/events/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dispatchBatchSize = 50

type DispatcherParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
}

// Dispatcher drains unpublished outbox rows to the notification sink.
// Delivery is at least once; the sink is expected to dedupe on event id.
type Dispatcher struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	sinkURL   string
	authToken string
	client    *http.Client
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		db:        p.DB,
		log:       p.Log.Named("events.dispatcher"),
		clock:     p.Clock,
		sinkURL:   p.Cfg.NotifyURL,
		authToken: p.Cfg.NotifyAuthToken,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// DispatchPending delivers the oldest unpublished events in order. A failed
// delivery stops the pass so ordering holds; the row stays unpublished and
// the next tick retries it.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	var rows []domain.EngineEvent
	err := d.db.WithContext(ctx).
		Where("published = ?", false).
		Order("created_at asc, id asc").
		Limit(dispatchBatchSize).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i := range rows {
		row := rows[i]
		if err := d.deliver(ctx, row); err != nil {
			d.log.Warn("event delivery failed",
				zap.String("event_id", row.ID.String()),
				zap.String("event_type", row.EventType),
				zap.Error(err),
			)
			return delivered, nil
		}

		now := d.clock.Now()
		err := d.db.WithContext(ctx).
			Model(&domain.EngineEvent{}).
			Where("id = ? AND published = ?", row.ID, false).
			Updates(map[string]any{"published": true, "published_at": now}).Error
		if err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, row domain.EngineEvent) error {
	if d.sinkURL == "" {
		// No sink configured: drain to the log so local setups still see
		// the stream.
		d.log.Debug("event drained without sink",
			zap.String("event_type", row.EventType),
			zap.String("group_id", row.GroupID.String()),
		)
		return nil
	}

	envelope := map[string]any{
		"id":         row.ID.String(),
		"event_type": row.EventType,
		"group_id":   row.GroupID.String(),
		"payload":    map[string]any(row.Payload),
		"created_at": row.CreatedAt.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.sinkURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.authToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notify_sink_status_%d", resp.StatusCode)
	}
	return nil
}
