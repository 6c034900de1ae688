package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/tontine/internal/agent/client"
	"github.com/smallbiznis/tontine/internal/agent/domain"
	"github.com/smallbiznis/tontine/internal/clock"
)

const (
	drainInterval = 10 * time.Second

	maxAttempts    = 8
	backoffBase    = 10 * time.Second
	backoffCeiling = 15 * time.Minute

	// Confirmed rows are kept around as a local receipt trail before purge.
	confirmedGrace = 7 * 24 * time.Hour
	purgeInterval  = time.Hour
)

// SyncEngine drains the pending-action queue against the platform API. One
// engine per agent process: heads are attempted strictly in order within
// each group, so the server always sees a member's contributions in the
// order they were recorded on the device.
type SyncEngine struct {
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
	api   client.API

	wake chan struct{}

	mu         sync.Mutex
	inflight   map[string]context.CancelFunc
	online     bool
	lastSyncAt *time.Time
	lastErr    string
	lastPurge  time.Time
}

func NewSyncEngine(log *zap.Logger, clk clock.Clock, repo domain.Repository, api client.API) *SyncEngine {
	return &SyncEngine{
		log:      log.Named("agent.sync"),
		clock:    clk,
		repo:     repo,
		api:      api,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Wake nudges the run loop into an immediate drain pass. Never blocks.
func (e *SyncEngine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// CancelInflight aborts a running network attempt. Returns false when the
// action is not inflight anymore.
func (e *SyncEngine) CancelInflight(id string) bool {
	e.mu.Lock()
	cancel, ok := e.inflight[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// SyncState reports the last drain pass for the status surface.
func (e *SyncEngine) SyncState() (online bool, at *time.Time, lastErr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online, e.lastSyncAt, e.lastErr
}

// Run drives drain passes until ctx is done. The first pass runs
// immediately so a restart drains backlog without waiting a full tick.
func (e *SyncEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		e.DrainOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// DrainOnce runs one full pass: probe connectivity, attempt every group
// head whose backoff has elapsed, purge old confirmed rows.
func (e *SyncEngine) DrainOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !e.api.Healthy(ctx) {
		e.recordSync(false, "server_unreachable")
		return
	}

	heads, err := e.repo.QueuedHeads(ctx)
	if err != nil {
		e.log.Warn("queued heads lookup failed", zap.Error(err))
		e.recordSync(true, err.Error())
		return
	}

	now := e.clock.Now().UTC()
	for _, head := range heads {
		if ctx.Err() != nil {
			return
		}
		// A head still under backoff gates its whole group: per-group
		// order is strict, so nothing behind it may run.
		if head.NextAttemptAt.After(now) {
			continue
		}
		e.attempt(ctx, head)
	}
	if ctx.Err() != nil {
		return
	}

	e.purge(ctx, now)
	e.recordSync(true, "")
}

func (e *SyncEngine) attempt(ctx context.Context, action domain.PendingAction) {
	now := e.clock.Now().UTC()
	claimed, err := e.repo.Transition(ctx, action.ID, domain.ActionStatusQueued, map[string]any{
		"status":     domain.ActionStatusInflight,
		"updated_at": now,
	})
	if err != nil {
		e.log.Warn("inflight claim failed", zap.String("action_id", action.ID), zap.Error(err))
		return
	}
	if !claimed {
		// The row moved underneath us: cancelled or already settled.
		return
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	e.registerInflight(action.ID, cancel)
	result, submitErr := e.api.SubmitContribution(attemptCtx, client.SubmitRequest{
		SessionToken: action.SessionToken,
		ClientKey:    action.ClientKey,
		Amount:       action.Amount,
		CycleNumber:  action.CycleNumber,
	})
	e.unregisterInflight(action.ID)
	cancel()

	switch {
	case submitErr == nil:
		e.settle(ctx, action, result)
	case errors.Is(submitErr, context.Canceled), errors.Is(submitErr, context.DeadlineExceeded):
		e.resolveCancelled(action)
	case errors.Is(submitErr, client.ErrUnauthorized):
		e.fail(ctx, action, "session_unauthorized")
	case client.IsTransient(submitErr):
		e.requeueAfterFailure(ctx, action, submitErr)
	default:
		e.fail(ctx, action, rejectionReason(submitErr))
	}
}

// settle records the server's verdict. Duplicate and stale count as
// confirmed: the obligation is settled either way, and the outcome column
// keeps the distinction for the status surface.
func (e *SyncEngine) settle(ctx context.Context, action domain.PendingAction, result *client.SubmitResult) {
	switch result.Status {
	case "confirmed", "duplicate", "stale":
		now := e.clock.Now().UTC()
		if _, err := e.repo.Transition(ctx, action.ID, domain.ActionStatusInflight, map[string]any{
			"status":       domain.ActionStatusConfirmed,
			"outcome":      result.Status,
			"last_error":   "",
			"confirmed_at": now,
			"updated_at":   now,
		}); err != nil {
			e.log.Warn("confirm transition failed", zap.String("action_id", action.ID), zap.Error(err))
			return
		}
		e.log.Info("action confirmed",
			zap.String("action_id", action.ID),
			zap.String("group_id", action.GroupID.String()),
			zap.String("outcome", result.Status),
		)
	default:
		reason := result.Reason
		if reason == "" {
			reason = result.Status
		}
		e.fail(ctx, action, reason)
	}
}

// fail parks the action until someone retries it explicitly.
func (e *SyncEngine) fail(ctx context.Context, action domain.PendingAction, reason string) {
	if _, err := e.repo.Transition(ctx, action.ID, domain.ActionStatusInflight, map[string]any{
		"status":     domain.ActionStatusFailed,
		"last_error": reason,
		"updated_at": e.clock.Now().UTC(),
	}); err != nil {
		e.log.Warn("fail transition failed", zap.String("action_id", action.ID), zap.Error(err))
		return
	}
	e.log.Warn("action failed",
		zap.String("action_id", action.ID),
		zap.String("group_id", action.GroupID.String()),
		zap.String("reason", reason),
	)
}

func (e *SyncEngine) requeueAfterFailure(ctx context.Context, action domain.PendingAction, submitErr error) {
	attempts := action.Attempts + 1
	if attempts >= maxAttempts {
		e.fail(ctx, action, "attempts_exhausted: "+submitErr.Error())
		return
	}

	now := e.clock.Now().UTC()
	nextAttempt := now.Add(backoffDelay(attempts))
	if _, err := e.repo.Transition(ctx, action.ID, domain.ActionStatusInflight, map[string]any{
		"status":          domain.ActionStatusQueued,
		"attempts":        attempts,
		"next_attempt_at": nextAttempt,
		"last_error":      submitErr.Error(),
		"updated_at":      now,
	}); err != nil {
		e.log.Warn("requeue transition failed", zap.String("action_id", action.ID), zap.Error(err))
		return
	}
	e.log.Info("action requeued",
		zap.String("action_id", action.ID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", nextAttempt),
	)
}

// resolveCancelled unwinds an aborted attempt. A member-requested cancel
// removes the row; an engine shutdown puts the action back with no attempt
// penalty. The parent context may already be dead, so this runs on its own
// deadline.
func (e *SyncEngine) resolveCancelled(action domain.PendingAction) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := e.repo.FindByID(ctx, action.ID)
	if err != nil || current == nil {
		return
	}
	if current.CancelRequested {
		if err := e.repo.Delete(ctx, action.ID); err != nil {
			e.log.Warn("cancel delete failed", zap.String("action_id", action.ID), zap.Error(err))
			return
		}
		e.log.Info("action cancelled", zap.String("action_id", action.ID))
		return
	}

	if _, err := e.repo.Transition(ctx, action.ID, domain.ActionStatusInflight, map[string]any{
		"status":          domain.ActionStatusQueued,
		"next_attempt_at": e.clock.Now().UTC(),
		"updated_at":      e.clock.Now().UTC(),
	}); err != nil {
		e.log.Warn("shutdown requeue failed", zap.String("action_id", action.ID), zap.Error(err))
	}
}

func (e *SyncEngine) purge(ctx context.Context, now time.Time) {
	e.mu.Lock()
	due := e.lastPurge.IsZero() || now.Sub(e.lastPurge) >= purgeInterval
	if due {
		e.lastPurge = now
	}
	e.mu.Unlock()
	if !due {
		return
	}

	purged, err := e.repo.PurgeConfirmedBefore(ctx, now.Add(-confirmedGrace))
	if err != nil {
		e.log.Warn("confirmed purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		e.log.Info("confirmed actions purged", zap.Int64("count", purged))
	}
}

func (e *SyncEngine) registerInflight(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.inflight[id] = cancel
	e.mu.Unlock()
}

func (e *SyncEngine) unregisterInflight(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *SyncEngine) recordSync(online bool, lastErr string) {
	at := e.clock.Now().UTC()
	e.mu.Lock()
	e.online = online
	e.lastSyncAt = &at
	e.lastErr = lastErr
	e.mu.Unlock()
}

func rejectionReason(err error) string {
	var rejection *client.RejectionError
	if errors.As(err, &rejection) {
		return rejection.Code
	}
	return err.Error()
}

func backoffDelay(attempts int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= backoffCeiling {
			return backoffCeiling
		}
	}
	return delay
}
