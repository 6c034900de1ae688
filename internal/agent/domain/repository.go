package domain

import (
	"context"
	"time"
)

type Repository interface {
	Insert(ctx context.Context, action *PendingAction) error
	FindByID(ctx context.Context, id string) (*PendingAction, error)

	// QueuedHeads returns the oldest queued action of every group that has
	// one. Heads whose backoff has not elapsed gate their whole group:
	// per-group submission order is strict, so nothing behind a waiting
	// head may run.
	QueuedHeads(ctx context.Context) ([]PendingAction, error)

	// Transition applies updates iff the action is still in the expected
	// status. Returns false when the row moved underneath the caller.
	Transition(ctx context.Context, id string, from ActionStatus, updates map[string]any) (bool, error)

	RequestCancel(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error

	CountByStatus(ctx context.Context) (map[ActionStatus]int64, error)
	ListByStatus(ctx context.Context, status ActionStatus, limit int) ([]PendingAction, error)
	PurgeConfirmedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
