// Package service implements the offline action queue. Enqueue is a local
// transaction: the intent is on disk before the call returns, and the sync
// engine owns every network attempt after that.
package service

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/tontine/internal/agent/domain"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/config"
)

const failedItemsLimit = 50

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
	Repo   domain.Repository
	Engine *SyncEngine
}

type Service struct {
	cfg    config.Config
	log    *zap.Logger
	clock  clock.Clock
	repo   domain.Repository
	engine *SyncEngine
}

func NewService(p Params) domain.Service {
	return &Service{
		cfg:    p.Config,
		log:    p.Log.Named("agent.service"),
		clock:  p.Clock,
		repo:   p.Repo,
		engine: p.Engine,
	}
}

func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.PendingAction, error) {
	if req.GroupID == 0 || req.MemberID == 0 || req.Amount <= 0 {
		return nil, domain.ErrInvalidAction
	}
	token := req.SessionToken
	if token == "" {
		token = s.cfg.AgentAuthToken
	}
	if token == "" {
		return nil, domain.ErrMissingSessionToken
	}

	now := s.clock.Now().UTC()
	action := &domain.PendingAction{
		ID:            ulid.Make().String(),
		Kind:          domain.ActionKindContribute,
		GroupID:       req.GroupID,
		MemberID:      req.MemberID,
		CycleNumber:   req.CycleNumber,
		Amount:        req.Amount,
		ClientKey:     ulid.Make().String(),
		SessionToken:  token,
		Status:        domain.ActionStatusQueued,
		NextAttemptAt: now,
		EnqueuedAt:    now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, action); err != nil {
		return nil, err
	}

	s.log.Info("action enqueued",
		zap.String("action_id", action.ID),
		zap.String("group_id", action.GroupID.String()),
		zap.Int64("amount", action.Amount),
	)
	s.engine.Wake()
	return action, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.PendingAction, error) {
	action, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, domain.ErrActionNotFound
	}
	return action, nil
}

func (s *Service) Retry(ctx context.Context, id string, req domain.RetryRequest) (*domain.PendingAction, error) {
	action, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.Status != domain.ActionStatusFailed {
		return nil, domain.ErrActionNotRetryable
	}

	now := s.clock.Now().UTC()
	updates := map[string]any{
		"status":           domain.ActionStatusQueued,
		"attempts":         0,
		"next_attempt_at":  now,
		"last_error":       "",
		"cancel_requested": false,
		"updated_at":       now,
	}
	if req.SessionToken != "" {
		updates["session_token"] = req.SessionToken
	}
	moved, err := s.repo.Transition(ctx, id, domain.ActionStatusFailed, updates)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, domain.ErrActionNotRetryable
	}

	s.log.Info("action retried", zap.String("action_id", id))
	s.engine.Wake()
	return s.Get(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, id string) error {
	action, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	switch action.Status {
	case domain.ActionStatusQueued, domain.ActionStatusFailed:
		if err := s.repo.Delete(ctx, id); err != nil {
			return err
		}
		s.log.Info("action cancelled", zap.String("action_id", id))
		return nil
	case domain.ActionStatusInflight:
		// Flag first so the engine deletes the row when the attempt
		// unwinds, then abort the network call.
		if _, err := s.repo.RequestCancel(ctx, id); err != nil {
			return err
		}
		s.engine.CancelInflight(id)
		s.log.Info("inflight cancel requested", zap.String("action_id", id))
		return nil
	default:
		return domain.ErrActionNotCancelable
	}
}

func (s *Service) Status(ctx context.Context) (*domain.StatusReport, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := s.repo.ListByStatus(ctx, domain.ActionStatusFailed, failedItemsLimit)
	if err != nil {
		return nil, err
	}

	online, lastSyncAt, lastErr := s.engine.SyncState()
	return &domain.StatusReport{
		Queued:      counts[domain.ActionStatusQueued],
		Inflight:    counts[domain.ActionStatusInflight],
		Confirmed:   counts[domain.ActionStatusConfirmed],
		Failed:      counts[domain.ActionStatusFailed],
		Online:      online,
		LastSyncAt:  lastSyncAt,
		LastSyncErr: lastErr,
		FailedItems: failed,
	}, nil
}
