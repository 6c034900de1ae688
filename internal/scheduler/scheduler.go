package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	auditcontext "github.com/smallbiznis/tontine/internal/auditcontext"
	"github.com/smallbiznis/tontine/internal/authorization"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/config"
	cycledomain "github.com/smallbiznis/tontine/internal/cycle/domain"
	"github.com/smallbiznis/tontine/internal/events"
	obsmetrics "github.com/smallbiznis/tontine/internal/observability/metrics"
	partnerdomain "github.com/smallbiznis/tontine/internal/partner/domain"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/ratelimit"
	"github.com/smallbiznis/tontine/internal/rates"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler dependencies incomplete")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	PayoutSvc  payoutdomain.Service
	CycleSvc   cycledomain.Service
	PartnerSvc partnerdomain.Service
	RatesSvc   rates.Service
	Dispatcher *events.Dispatcher
	AuditSvc   auditdomain.Service
	AuthzSvc   authorization.Service

	Holder *config.EngineConfigHolder
	Locker *ratelimit.Locker `optional:"true"`
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	payoutSvc  payoutdomain.Service
	cycleSvc   cycledomain.Service
	partnerSvc partnerdomain.Service
	ratesSvc   rates.Service
	dispatcher *events.Dispatcher
	auditSvc   auditdomain.Service
	authzSvc   authorization.Service
	holder     *config.EngineConfigHolder
	locker     *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.PayoutSvc == nil || p.CycleSvc == nil || p.PartnerSvc == nil || p.RatesSvc == nil || p.Dispatcher == nil || p.AuditSvc == nil || p.AuthzSvc == nil || p.Holder == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		genID:      p.GenID,
		clock:      p.Clock,
		payoutSvc:  p.PayoutSvc,
		cycleSvc:   p.CycleSvc,
		partnerSvc: p.PartnerSvc,
		ratesSvc:   p.RatesSvc,
		dispatcher: p.Dispatcher,
		auditSvc:   p.AuditSvc,
		authzSvc:   p.AuthzSvc,
		holder:     p.Holder,
		locker:     p.Locker,
	}, nil
}

type jobSpec struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Batch    int
	Run      func(context.Context) error
}

func (s *Scheduler) jobs() []jobSpec {
	policy := s.holder.Get()
	return []jobSpec{
		{"payout_dispatch", s.cfg.DispatchInterval, s.cfg.JobTimeout, policy.Payout.DispatchBatchSize, s.PayoutDispatchJob},
		{"reconciliation_sweep", s.cfg.SweepInterval, s.cfg.JobTimeout, policy.Sweep.BatchSize, s.ReconciliationSweepJob},
		{"payout_recovery", s.cfg.RecoveryInterval, s.cfg.JobTimeout, policy.Payout.DispatchBatchSize, s.PayoutRecoveryJob},
		{"partner_rollup", s.cfg.RollupInterval, 5 * time.Minute, 1, s.PartnerRollupJob},
		{"event_dispatch", s.cfg.EventInterval, s.cfg.JobTimeout, 0, s.EventDispatchJob},
		{"rate_refresh", s.cfg.RateInterval, s.cfg.JobTimeout, 1, s.RateRefreshJob},
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := s.invoke(ctx, name, fn)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline hit is a soft timeout: the next tick resumes the backlog.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// invoke shields the run loop from a panicking job.
func (s *Scheduler) invoke(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, job := range s.jobs() {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Batch, job.Timeout, job.Run))
	}
	return err
}

// RunForever drives each enabled job on its own cadence. Every loop runs
// immediately on start so a fresh deploy drains backlog without waiting a
// full tick.
func (s *Scheduler) RunForever(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs() {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		wg.Add(1)
		go func(job jobSpec) {
			defer wg.Done()
			s.runLoop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job jobSpec) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(job.Interval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.runJob(ctx, job.Name, job.Batch, job.Timeout, job.Run); err != nil {
			s.log.Warn("scheduler job failed", zap.String("job", job.Name), zap.Error(err))
		}
		nextRun = nextRun.Add(job.Interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// PayoutDispatchJob claims due pending payouts and submits them to the
// configured rail.
func (s *Scheduler) PayoutDispatchJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "payout_dispatch", s.holder.Get().Payout.DispatchBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectPayout, authorization.ActionPayoutDispatch); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", "payout_dispatch", 0, err)
		return err
	}

	report, err := s.payoutSvc.DispatchDue(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.payout.dispatch.failed", "payout_dispatch", 0, err)
		return err
	}
	run.AddProcessed(report.Submitted)

	schedMetrics := obsmetrics.Scheduler()
	if report.Claimed == 0 {
		schedMetrics.IncBatchDeferred("payout_dispatch", obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return nil
	}
	schedMetrics.AddBatchProcessed("payout_dispatch", "payouts", report.Claimed)
	if report.Requeued > 0 || report.Exhausted > 0 {
		s.logger(ctx).Warn("payout dispatch pass had failures",
			zap.Int("claimed", report.Claimed),
			zap.Int("submitted", report.Submitted),
			zap.Int("requeued", report.Requeued),
			zap.Int("exhausted", report.Exhausted),
		)
	}
	return nil
}

// PartnerRollupJob folds yesterday's accrued partner shares into settlement
// rows. Re-runs of a closed window are no-ops.
func (s *Scheduler) PartnerRollupJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "partner_rollup", 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectPartner, authorization.ActionPartnerRollup); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", "partner_rollup", 0, err)
		return err
	}

	report, err := s.partnerSvc.RollupDaily(ctx, s.clock.Now().UTC())
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.partner.rollup.failed", "partner_rollup", 0, err)
		return err
	}
	run.AddProcessed(report.Created)
	if report.Created > 0 {
		s.logger(ctx).Info("partner settlements accrued",
			zap.Time("window_start", report.WindowStart),
			zap.Time("window_end", report.WindowEnd),
			zap.Int("created", report.Created),
		)
	}
	return nil
}

// EventDispatchJob drains the outbox to the notification sink in order.
func (s *Scheduler) EventDispatchJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "event_dispatch", 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	delivered, err := s.dispatcher.DispatchPending(ctx)
	run.AddProcessed(delivered)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.event.dispatch.failed", "event_dispatch", 0, err)
		return err
	}
	if delivered > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("event_dispatch", "events", delivered)
	}
	return nil
}

// RateRefreshJob warms the BTC reference rate cache. A provider blip keeps
// the previous quote serving, flagged stale.
func (s *Scheduler) RateRefreshJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "rate_refresh", 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	if err := s.authorizeSystem(ctx, authorization.ObjectRates, authorization.ActionRatesRefresh); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.authorize.failed", "rate_refresh", 0, err)
		return err
	}

	quote, err := s.ratesSvc.Refresh(ctx)
	if err != nil {
		run.IncError()
		s.logger(ctx).Warn("rate refresh failed",
			zap.Bool("stale", quote.Stale),
			zap.Error(err),
		)
		return nil
	}
	run.AddProcessed(1)
	return nil
}

func (s *Scheduler) authorizeSystem(ctx context.Context, object string, action string) error {
	if s.authzSvc == nil {
		return authorization.ErrForbidden
	}
	return s.authzSvc.Authorize(ctx, "system", "platform", object, action)
}
