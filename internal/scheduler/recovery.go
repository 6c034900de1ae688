package scheduler

import (
	"context"

	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	"github.com/smallbiznis/tontine/internal/authorization"
	obsmetrics "github.com/smallbiznis/tontine/internal/observability/metrics"
	"go.uber.org/zap"
)

const sweepLockKey = "tontine:scheduler:reconciliation_sweep"

// ReconciliationSweepJob re-evaluates every active group so a cycle whose
// completion trigger was lost still closes. The sweep is the retry path for
// the inline evaluation on contribution confirm.
func (s *Scheduler) ReconciliationSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reconciliation_sweep", s.holder.Get().Sweep.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectCycle, authorization.ActionCycleSweep); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", "reconciliation_sweep", 0, err)
		return err
	}

	release, ok := s.acquireSweepLock(ctx)
	if !ok {
		obsmetrics.Scheduler().IncBatchDeferred("reconciliation_sweep", obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Debug("sweep lock held elsewhere, skipping pass")
		return nil
	}
	defer release()

	report, err := s.cycleSvc.SweepActiveGroups(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", "reconciliation_sweep", 0, err)
		return err
	}
	run.AddProcessed(report.CyclesCompleted)
	if report.GroupsChecked > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("reconciliation_sweep", "groups", report.GroupsChecked)
	}
	if report.CyclesCompleted > 0 {
		s.logger(ctx).Info("sweep completed cycles",
			zap.Int("groups_checked", report.GroupsChecked),
			zap.Int("cycles_completed", report.CyclesCompleted),
		)
	}
	return nil
}

// acquireSweepLock takes the cross-instance sweep lock. Without redis the
// sweep runs unlocked; cycle completion is arbitrated by the unique payout
// row per cycle, so a concurrent sweep wastes work but cannot double-close.
func (s *Scheduler) acquireSweepLock(ctx context.Context) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.SweepLockTTL)
	if err != nil {
		s.logger(ctx).Warn("sweep lock unavailable, running unlocked", zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		if err := s.locker.Release(ctx, sweepLockKey, token); err != nil {
			s.logger(ctx).Warn("sweep lock release failed", zap.Error(err))
		}
	}, true
}

// PayoutRecoveryJob requeues payouts stuck in processing past the
// configured window, typically after a crash between rail submit and the
// confirmation callback.
func (s *Scheduler) PayoutRecoveryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "payout_recovery", s.holder.Get().Payout.DispatchBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectPayout, authorization.ActionPayoutDispatch); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", "payout_recovery", 0, err)
		return err
	}

	recovered, err := s.payoutSvc.RecoverStuck(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.payout.recovery.failed", "payout_recovery", 0, err)
		return err
	}
	run.AddProcessed(recovered)
	if recovered > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("payout_recovery", "payouts", recovered)
		s.logger(ctx).Warn("requeued stuck payouts", zap.Int("count", recovered))
		s.auditRecoveryPass(ctx, recovered)
	}
	return nil
}

// auditRecoveryPass leaves a platform-level trail when payouts had to be
// pulled back from processing. Operators watch this action for rail trouble.
func (s *Scheduler) auditRecoveryPass(ctx context.Context, recovered int) {
	if s.auditSvc == nil {
		return
	}
	err := s.auditSvc.AuditLog(ctx, nil, string(auditdomain.ActorTypeSystem), nil,
		"payout.recovery_pass", "payout", nil, map[string]any{
			"recovered": recovered,
		})
	if err != nil {
		s.logger(ctx).Warn("audit log write failed", zap.Error(err))
	}
}
