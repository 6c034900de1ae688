package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	auditcontext "github.com/smallbiznis/tontine/internal/auditcontext"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/cloudmetrics"
	"github.com/smallbiznis/tontine/internal/config"
	"github.com/smallbiznis/tontine/internal/events"
	feedomain "github.com/smallbiznis/tontine/internal/fee/domain"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	ledgerdomain "github.com/smallbiznis/tontine/internal/ledger/domain"
	"github.com/smallbiznis/tontine/internal/observability/metrics"
	"github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/rail"
	"github.com/smallbiznis/tontine/pkg/db/option"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Holder  *config.EngineConfigHolder
	Repo    domain.Repository
	Groups  groupdomain.GroupRepository
	Members groupdomain.MemberRepository
	Fees    feedomain.Repository
	Ledger  ledgerdomain.Service
	Outbox  events.Outbox
	Rail    rail.Rail

	AuditSvc   auditdomain.Service        `optional:"true"`
	ObsMetrics *metrics.Metrics           `optional:"true"`
	Cloud      *cloudmetrics.CloudMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	holder  *config.EngineConfigHolder
	repo    domain.Repository
	groups  groupdomain.GroupRepository
	members groupdomain.MemberRepository
	fees    feedomain.Repository
	ledger  ledgerdomain.Service
	outbox  events.Outbox
	rail    rail.Rail

	auditSvc   auditdomain.Service
	obsMetrics *metrics.Metrics
	cloud      *cloudmetrics.CloudMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		holder:     p.Holder,
		repo:       p.Repo,
		groups:     p.Groups,
		members:    p.Members,
		fees:       p.Fees,
		ledger:     p.Ledger,
		outbox:     p.Outbox,
		rail:       p.Rail,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		cloud:      p.Cloud,
	}
}

func (s *Service) GetPayout(ctx context.Context, id snowflake.ID) (*domain.Payout, error) {
	payout, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, domain.ErrPayoutNotFound
	}
	return payout, nil
}

func (s *Service) ListPayouts(ctx context.Context, req domain.ListPayoutsRequest) ([]domain.Payout, error) {
	var opts []option.QueryOption
	if req.GroupID != 0 {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "group_id", Operator: option.EQ, Value: req.GroupID}))
	}
	if req.Status != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: req.Status}))
	}
	size := req.Size
	if size <= 0 || size > 200 {
		size = 50
	}
	opts = append(opts, option.WithLimit(size))
	return s.repo.Find(ctx, opts...)
}

func (s *Service) DispatchDue(ctx context.Context) (domain.DispatchReport, error) {
	policy := s.holder.Get().Payout
	now := s.clock.Now().UTC()

	claimed, err := s.repo.ClaimDue(ctx, now, policy.DispatchBatchSize)
	if err != nil {
		return domain.DispatchReport{}, err
	}

	report := domain.DispatchReport{Claimed: len(claimed)}
	for i := range claimed {
		payout := claimed[i]
		switch s.submit(ctx, &payout, policy) {
		case submitOK:
			report.Submitted++
		case submitRequeued:
			report.Requeued++
		case submitExhausted:
			report.Exhausted++
		}
	}
	return report, nil
}

type submitOutcome int

const (
	submitOK submitOutcome = iota
	submitRequeued
	submitExhausted
	submitSkipped
)

// submit sends one claimed payout to the rail. The request key pins the
// transfer on the rail side, so a crash between SendPayout and the status
// update cannot double pay: the recovered resubmission reuses the same key.
func (s *Service) submit(ctx context.Context, payout *domain.Payout, policy config.PayoutPolicy) submitOutcome {
	now := s.clock.Now().UTC()
	attempts := payout.Attempts + 1

	recipient, err := s.recipientRef(ctx, payout)
	if err != nil {
		s.log.Error("payout recipient lookup failed",
			zap.String("payout_id", payout.ID.String()),
			zap.Error(err),
		)
		return s.requeueOrFail(ctx, payout, domain.PayoutStatusProcessing, attempts, policy, true, err.Error())
	}

	resp, err := s.rail.SendPayout(ctx, rail.PayoutRequest{
		IdempotencyKey: payout.RequestKey,
		RecipientRef:   recipient,
		Amount:         payout.NetAmount,
		Currency:       payout.Currency,
		Memo:           fmt.Sprintf("cycle %d payout", payout.CycleNumber),
	})
	if err != nil {
		s.log.Warn("payout submission failed",
			zap.String("payout_id", payout.ID.String()),
			zap.String("request_key", payout.RequestKey),
			zap.Int("attempt", attempts),
			zap.Bool("transient", rail.IsTransient(err)),
			zap.Error(err),
		)
		return s.requeueOrFail(ctx, payout, domain.PayoutStatusProcessing, attempts, policy, rail.IsTransient(err), err.Error())
	}

	ok, err := s.repo.Transition(ctx, payout.ID, domain.PayoutStatusProcessing, map[string]any{
		"attempts":      attempts,
		"rail_provider": s.rail.Provider(),
		"rail_ref":      resp.RequestID,
		"last_error":    "",
		"submitted_at":  now,
		"updated_at":    now,
	})
	if err != nil {
		s.log.Error("payout submit bookkeeping failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
		return submitSkipped
	}
	if !ok {
		// A terminal rail event landed between claim and bookkeeping.
		return submitSkipped
	}

	s.publishStatus(ctx, payout, events.EventPayoutSubmitted, fmt.Sprintf("payout_submitted:%s:%d", payout.ID, attempts), "", attempts)
	s.recordPayoutEvent(ctx, "submitted")
	s.log.Info("payout submitted",
		zap.String("payout_id", payout.ID.String()),
		zap.String("group_id", payout.GroupID.String()),
		zap.Int("cycle_number", payout.CycleNumber),
		zap.String("rail_ref", resp.RequestID),
		zap.Int("attempt", attempts),
	)
	return submitOK
}

func (s *Service) requeueOrFail(ctx context.Context, payout *domain.Payout, from domain.PayoutStatus, attempts int, policy config.PayoutPolicy, transient bool, lastError string) submitOutcome {
	now := s.clock.Now().UTC()

	if transient && attempts < policy.MaxAttempts {
		nextAttempt := now.Add(backoffDelay(policy, attempts))
		if _, err := s.repo.Transition(ctx, payout.ID, from, map[string]any{
			"status":          domain.PayoutStatusPending,
			"attempts":        attempts,
			"next_attempt_at": nextAttempt,
			"last_error":      lastError,
			"updated_at":      now,
		}); err != nil {
			s.log.Error("payout requeue failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
			return submitSkipped
		}
		s.recordPayoutEvent(ctx, "requeued")
		return submitRequeued
	}

	ok, err := s.repo.Transition(ctx, payout.ID, from, map[string]any{
		"status":     domain.PayoutStatusFailed,
		"attempts":   attempts,
		"last_error": lastError,
		"failed_at":  now,
		"updated_at": now,
	})
	if err != nil || !ok {
		if err != nil {
			s.log.Error("payout fail bookkeeping failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
		}
		return submitSkipped
	}

	s.publishStatus(ctx, payout, events.EventPayoutEscalated, fmt.Sprintf("payout_escalated:%s:%d", payout.ID, attempts), lastError, attempts)
	s.recordPayoutEvent(ctx, "failed")
	// async metrics (best effort)
	if s.cloud != nil {
		go s.cloud.IncPayout("", "failed")
	}
	s.audit(ctx, payout.GroupID, "payout.failed", payout.ID.String(), map[string]any{
		"cycle_number": payout.CycleNumber,
		"attempts":     attempts,
		"last_error":   lastError,
	})
	s.log.Error("payout failed, operator attention required",
		zap.String("payout_id", payout.ID.String()),
		zap.String("group_id", payout.GroupID.String()),
		zap.Int("cycle_number", payout.CycleNumber),
		zap.Int("attempts", attempts),
		zap.String("last_error", lastError),
	)
	return submitExhausted
}

func (s *Service) ApplyRailEvent(ctx context.Context, req domain.RailEventRequest) (*domain.Payout, error) {
	if req.RequestKey == "" && req.RailRef == "" {
		return nil, domain.ErrInvalidEvent
	}
	if req.EventType != domain.RailEventConfirmed && req.EventType != domain.RailEventFailed {
		return nil, domain.ErrInvalidEvent
	}

	payout, err := s.findByReference(ctx, req)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, domain.ErrUnknownReference
	}

	switch req.EventType {
	case domain.RailEventConfirmed:
		return s.confirm(ctx, payout, req)
	default:
		return s.fail(ctx, payout, req)
	}
}

func (s *Service) findByReference(ctx context.Context, req domain.RailEventRequest) (*domain.Payout, error) {
	if req.RequestKey != "" {
		payout, err := s.repo.FindOne(ctx, option.ApplyOperator(option.Condition{Field: "request_key", Operator: option.EQ, Value: req.RequestKey}))
		if err != nil || payout != nil {
			return payout, err
		}
	}
	if req.RailRef != "" {
		return s.repo.FindOne(ctx, option.ApplyOperator(option.Condition{Field: "rail_ref", Operator: option.EQ, Value: req.RailRef}))
	}
	return nil, nil
}

// confirm settles the payout: one transaction flips the status, posts the
// ledger legs, advances the group's cycle pointer and resets rotation
// eligibility once everyone has won. Replays see status already confirmed
// and change nothing.
func (s *Service) confirm(ctx context.Context, payout *domain.Payout, req domain.RailEventRequest) (*domain.Payout, error) {
	if payout.Status == domain.PayoutStatusConfirmed {
		return payout, nil
	}

	now := s.clock.Now().UTC()
	occurredAt := req.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}

	// Account lookups stay outside the transaction; it may hold the pool's
	// only connection.
	accounts, err := s.chartAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var rotationReset, applied bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payouts := s.repo.WithTx(tx)

		updates := map[string]any{
			"status":       domain.PayoutStatusConfirmed,
			"last_error":   "",
			"confirmed_at": occurredAt,
			"updated_at":   now,
		}
		if req.RailRef != "" {
			updates["rail_ref"] = req.RailRef
		}
		if req.Provider != "" {
			updates["rail_provider"] = req.Provider
		}

		ok, err := payouts.Transition(ctx, payout.ID, payout.Status, updates)
		if err != nil {
			return err
		}
		if !ok {
			latest, err := payouts.FindByID(ctx, payout.ID)
			if err != nil {
				return err
			}
			if latest != nil && latest.Status == domain.PayoutStatusConfirmed {
				// Someone else applied the same event.
				payout = latest
				return nil
			}
			return domain.ErrInvalidTransition
		}
		applied = true

		if err := s.postPayoutEntry(ctx, tx, payout, occurredAt, accounts); err != nil {
			return err
		}

		// The cycle pointer only moves if this payout's cycle is still
		// current; replays and out-of-order confirmations cannot advance
		// the group twice.
		advance := tx.Model(&groupdomain.Group{}).
			Where("id = ? AND current_cycle = ?", payout.GroupID, payout.CycleNumber).
			Updates(map[string]any{
				"current_cycle": payout.CycleNumber + 1,
				"updated_at":    now,
			})
		if advance.Error != nil {
			return advance.Error
		}

		members := s.members.WithTx(tx)
		actives, err := members.FindActiveByGroup(ctx, payout.GroupID)
		if err != nil {
			return err
		}
		anyEligible := false
		for _, m := range actives {
			if m.PayoutEligible {
				anyEligible = true
				break
			}
		}
		if !anyEligible && len(actives) > 0 {
			if _, err := members.ResetPayoutEligibility(ctx, payout.GroupID); err != nil {
				return err
			}
			// A completed rotation moves the group onto the recurring fee
			// tier for every cycle after this one.
			if err := tx.Model(&groupdomain.Group{}).
				Where("id = ?", payout.GroupID).
				Updates(map[string]any{"recurring": true, "updated_at": now}).Error; err != nil {
				return err
			}
			rotationReset = true
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			GroupID:   payout.GroupID,
			Type:      events.EventPayoutConfirmed,
			DedupeKey: fmt.Sprintf("payout_confirmed:%s", payout.ID),
			Payload: events.PayoutStatusPayload{
				PayoutID:       payout.ID.String(),
				GroupID:        payout.GroupID.String(),
				CycleNumber:    payout.CycleNumber,
				WinnerMemberID: payout.WinnerMemberID.String(),
				NetAmount:      payout.NetAmount,
				Status:         string(domain.PayoutStatusConfirmed),
			}.ToMap(),
		})
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return payout, nil
	}

	s.recordPayoutEvent(ctx, "confirmed")
	// async metrics (best effort)
	if s.cloud != nil {
		go s.cloud.IncPayout("", "confirmed")
	}
	s.audit(ctx, payout.GroupID, "payout.confirmed", payout.ID.String(), map[string]any{
		"cycle_number":   payout.CycleNumber,
		"winner_id":      payout.WinnerMemberID.String(),
		"net_amount":     payout.NetAmount,
		"rotation_reset": rotationReset,
	})
	s.log.Info("payout confirmed",
		zap.String("payout_id", payout.ID.String()),
		zap.String("group_id", payout.GroupID.String()),
		zap.Int("cycle_number", payout.CycleNumber),
		zap.Bool("rotation_reset", rotationReset),
	)

	return s.repo.FindByID(ctx, payout.ID)
}

func (s *Service) fail(ctx context.Context, payout *domain.Payout, req domain.RailEventRequest) (*domain.Payout, error) {
	if payout.Status == domain.PayoutStatusConfirmed {
		// Conflicting terminal events. Money already settled on our books;
		// flag it instead of unwinding.
		s.log.Error("rail reported failure for a confirmed payout",
			zap.String("payout_id", payout.ID.String()),
			zap.String("rail_ref", req.RailRef),
			zap.String("reason", req.Reason),
		)
		s.audit(ctx, payout.GroupID, "payout.event_conflict", payout.ID.String(), map[string]any{
			"reason": req.Reason,
		})
		return payout, nil
	}
	if payout.Status == domain.PayoutStatusFailed {
		return payout, nil
	}

	policy := s.holder.Get().Payout
	attempts := payout.Attempts
	if attempts == 0 {
		attempts = 1
	}

	s.requeueOrFail(ctx, payout, payout.Status, attempts, policy, req.Transient, req.Reason)
	return s.repo.FindByID(ctx, payout.ID)
}

func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	policy := s.holder.Get().Payout
	now := s.clock.Now().UTC()
	cutoff := now.Add(-time.Duration(policy.ProcessingStuckMinutes) * time.Minute)

	stuck, err := s.repo.FindStuckProcessing(ctx, cutoff, policy.DispatchBatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, payout := range stuck {
		ok, err := s.repo.Transition(ctx, payout.ID, domain.PayoutStatusProcessing, map[string]any{
			"status":          domain.PayoutStatusPending,
			"next_attempt_at": now,
			"last_error":      "requeued after processing stall",
			"updated_at":      now,
		})
		if err != nil {
			s.log.Error("stuck payout requeue failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		recovered++
		s.recordPayoutEvent(ctx, "recovered")
		s.log.Warn("stuck payout requeued",
			zap.String("payout_id", payout.ID.String()),
			zap.String("group_id", payout.GroupID.String()),
			zap.Int("cycle_number", payout.CycleNumber),
			zap.Int("attempts", payout.Attempts),
		)
	}
	return recovered, nil
}

func (s *Service) RetryFailed(ctx context.Context, id snowflake.ID) (*domain.Payout, error) {
	payout, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, domain.ErrPayoutNotFound
	}
	if payout.Status != domain.PayoutStatusFailed {
		return nil, domain.ErrNotRetryable
	}

	now := s.clock.Now().UTC()
	ok, err := s.repo.Transition(ctx, payout.ID, domain.PayoutStatusFailed, map[string]any{
		"status":          domain.PayoutStatusPending,
		"attempts":        0,
		"next_attempt_at": now,
		"last_error":      "",
		"failed_at":       nil,
		"updated_at":      now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotRetryable
	}

	s.audit(ctx, payout.GroupID, "payout.retry", payout.ID.String(), map[string]any{
		"cycle_number":      payout.CycleNumber,
		"previous_attempts": payout.Attempts,
		"previous_error":    payout.LastError,
	})
	s.log.Info("failed payout requeued by operator",
		zap.String("payout_id", payout.ID.String()),
		zap.String("group_id", payout.GroupID.String()),
		zap.Int("cycle_number", payout.CycleNumber),
	)

	return s.repo.FindByID(ctx, payout.ID)
}

func (s *Service) recipientRef(ctx context.Context, payout *domain.Payout) (string, error) {
	winner, err := s.members.FindByID(ctx, payout.WinnerMemberID)
	if err != nil {
		return "", err
	}
	if winner == nil {
		return "", fmt.Errorf("winner member %s not found", payout.WinnerMemberID)
	}
	if winner.PayoutTarget != "" {
		return winner.PayoutTarget, nil
	}
	return winner.MSISDN, nil
}

// chartAccounts resolves the accounts a payout posts against. Seeded at
// startup and immutable, so resolving ahead of a transaction is safe.
func (s *Service) chartAccounts(ctx context.Context) (map[ledgerdomain.LedgerAccountCode]*ledgerdomain.LedgerAccount, error) {
	accounts := map[ledgerdomain.LedgerAccountCode]*ledgerdomain.LedgerAccount{}
	for _, code := range []ledgerdomain.LedgerAccountCode{
		ledgerdomain.AccountCodeGroupPool,
		ledgerdomain.AccountCodePayoutClearing,
		ledgerdomain.AccountCodeCommunityFund,
		ledgerdomain.AccountCodePartnerPayable,
		ledgerdomain.AccountCodePlatformRevenue,
	} {
		account, err := s.ledger.AccountByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		accounts[code] = account
	}
	return accounts, nil
}

// postPayoutEntry books the settlement: the pool releases the gross amount,
// the winner's net lands in payout clearing and the fee splits into its
// three destinations. Replayed confirmations no-op on the (source) key.
func (s *Service) postPayoutEntry(ctx context.Context, tx *gorm.DB, payout *domain.Payout, occurredAt time.Time, accounts map[ledgerdomain.LedgerAccountCode]*ledgerdomain.LedgerAccount) error {
	record, err := s.fees.FindByPayout(ctx, tx, payout.ID)
	if err != nil {
		return err
	}

	var community, partner, platform int64
	if record != nil {
		community = record.CommunityShare
		partner = record.PartnerShare
		platform = record.PlatformShare
	} else {
		// No stored split; the whole fee books as platform revenue.
		platform = payout.FeeAmount
	}

	lines := []ledgerdomain.LedgerEntryLine{
		{AccountID: accounts[ledgerdomain.AccountCodeGroupPool].ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: payout.GrossAmount},
		{AccountID: accounts[ledgerdomain.AccountCodePayoutClearing].ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: payout.NetAmount},
		{AccountID: accounts[ledgerdomain.AccountCodeCommunityFund].ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: community},
		{AccountID: accounts[ledgerdomain.AccountCodePartnerPayable].ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: partner},
		{AccountID: accounts[ledgerdomain.AccountCodePlatformRevenue].ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: platform},
	}

	return s.ledger.CreateEntry(ctx, tx, payout.GroupID, ledgerdomain.SourceTypePayout, payout.ID, payout.Currency, occurredAt, lines)
}

func (s *Service) publishStatus(ctx context.Context, payout *domain.Payout, eventType, dedupeKey, reason string, attempts int) {
	err := s.outbox.Publish(ctx, events.Event{
		GroupID:   payout.GroupID,
		Type:      eventType,
		DedupeKey: dedupeKey,
		Payload: events.PayoutStatusPayload{
			PayoutID:       payout.ID.String(),
			GroupID:        payout.GroupID.String(),
			CycleNumber:    payout.CycleNumber,
			WinnerMemberID: payout.WinnerMemberID.String(),
			NetAmount:      payout.NetAmount,
			Status:         string(payout.Status),
			Reason:         reason,
			Attempts:       attempts,
		}.ToMap(),
	})
	if err != nil {
		s.log.Warn("payout event publish failed", zap.String("payout_id", payout.ID.String()), zap.Error(err))
	}
}

func backoffDelay(policy config.PayoutPolicy, attempts int) time.Duration {
	base := time.Duration(policy.BackoffBaseSeconds) * time.Second
	ceiling := time.Duration(policy.BackoffCapSeconds) * time.Second

	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func (s *Service) recordPayoutEvent(ctx context.Context, eventType string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordPayoutEvent(ctx, s.rail.Provider(), eventType)
}

func (s *Service) audit(ctx context.Context, groupID snowflake.ID, action, payoutID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}

	actorType, actorID := auditcontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	var actorRef *string
	if actorID != "" {
		actorRef = &actorID
	}

	gid := groupID
	if err := s.auditSvc.AuditLog(ctx, &gid, actorType, actorRef, action, "payout", &payoutID, metadata); err != nil {
		s.log.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}
