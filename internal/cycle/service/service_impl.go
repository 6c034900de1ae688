package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/config"
	contributiondomain "github.com/smallbiznis/tontine/internal/contribution/domain"
	"github.com/smallbiznis/tontine/internal/cycle/domain"
	"github.com/smallbiznis/tontine/internal/events"
	"github.com/smallbiznis/tontine/internal/fee"
	feedomain "github.com/smallbiznis/tontine/internal/fee/domain"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	"github.com/smallbiznis/tontine/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/scheduler/guard"
	"github.com/smallbiznis/tontine/internal/winner"
	"github.com/smallbiznis/tontine/pkg/db/option"
)

const evaluationQueueSize = 256

// evaluationTimeout bounds one completeness check; triggers are fire and
// forget so a hung check must not wedge the worker.
const evaluationTimeout = 30 * time.Second

type Params struct {
	fx.In

	LC fx.Lifecycle

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Holder        *config.EngineConfigHolder
	Contributions contributiondomain.Repository
	Payouts       payoutdomain.Repository
	Groups        groupdomain.GroupRepository
	Members       groupdomain.MemberRepository
	Fees          feedomain.Repository
	Calculator    *fee.Calculator
	Outbox        events.Outbox

	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *metrics.Metrics    `optional:"true"`
}

type evalRequest struct {
	groupID     snowflake.ID
	cycleNumber int
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	holder        *config.EngineConfigHolder
	contributions contributiondomain.Repository
	payouts       payoutdomain.Repository
	groups        groupdomain.GroupRepository
	members       groupdomain.MemberRepository
	fees          feedomain.Repository
	calculator    *fee.Calculator
	outbox        events.Outbox

	auditSvc   auditdomain.Service
	obsMetrics *metrics.Metrics

	queue chan evalRequest
	stop  chan struct{}
	done  chan struct{}
}

func NewService(p Params) domain.Service {
	s := &Service{
		db:            p.DB,
		log:           p.Log.Named("cycle.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		holder:        p.Holder,
		contributions: p.Contributions,
		payouts:       p.Payouts,
		groups:        p.Groups,
		members:       p.Members,
		fees:          p.Fees,
		calculator:    p.Calculator,
		outbox:        p.Outbox,
		auditSvc:      p.AuditSvc,
		obsMetrics:    p.ObsMetrics,
		queue:         make(chan evalRequest, evaluationQueueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.stop)
			select {
			case <-s.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	return s
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), evaluationTimeout)
			if _, err := s.EvaluateCycle(ctx, req.groupID, req.cycleNumber); err != nil {
				s.log.Error("cycle evaluation failed",
					zap.String("group_id", req.groupID.String()),
					zap.Int("cycle_number", req.cycleNumber),
					zap.Error(err),
				)
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *Service) TriggerEvaluation(groupID snowflake.ID, cycleNumber int) {
	select {
	case s.queue <- evalRequest{groupID: groupID, cycleNumber: cycleNumber}:
	default:
		// Queue full. The reconciliation sweep re-evaluates every active
		// group, so a dropped trigger only delays completion.
		s.log.Warn("evaluation queue full, deferring to sweep",
			zap.String("group_id", groupID.String()),
			zap.Int("cycle_number", cycleNumber),
		)
	}
}

func (s *Service) EvaluateCycle(ctx context.Context, groupID snowflake.ID, cycleNumber int) (bool, error) {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		return false, err
	}
	if group == nil {
		return false, domain.ErrGroupNotFound
	}
	if err := guard.EnsureCycleEvaluable(group.Status, group.CurrentCycle, cycleNumber); err != nil {
		// Stale trigger or inactive group. Expected traffic, not an error.
		return false, nil
	}

	roster, err := s.members.FindActiveByGroup(ctx, groupID)
	if err != nil {
		return false, err
	}

	confirmed, err := s.contributions.CountConfirmed(ctx, groupID, cycleNumber)
	if err != nil {
		return false, err
	}
	if err := guard.EnsureRosterSettled(len(roster), confirmed); err != nil {
		return false, nil
	}

	return s.complete(ctx, group, roster, cycleNumber)
}

// complete claims the cycle by creating its payout row. The unique
// (group_id, cycle_number) index arbitrates concurrent completions: exactly
// one transaction inserts, everyone else no-ops.
func (s *Service) complete(ctx context.Context, group *groupdomain.Group, roster []groupdomain.Member, cycleNumber int) (bool, error) {
	now := s.clock.Now().UTC()

	candidates := make([]winner.Candidate, 0, len(roster))
	for _, m := range roster {
		candidates = append(candidates, winner.Candidate{
			MemberID:       m.ID,
			JoinOrder:      m.JoinOrder,
			PayoutEligible: m.PayoutEligible,
		})
	}
	winnerID, err := winner.Select(group.ID, cycleNumber, candidates)
	if err != nil {
		return false, err
	}

	var winnerMember *groupdomain.Member
	for i := range roster {
		if roster[i].ID == winnerID {
			winnerMember = &roster[i]
			break
		}
	}
	if winnerMember == nil {
		return false, fmt.Errorf("selected winner %s not in roster", winnerID)
	}

	var payout *payoutdomain.Payout
	completed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payouts := s.payouts.WithTx(tx)

		existing, err := payouts.FindByGroupCycle(ctx, group.ID, cycleNumber)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		gross, err := s.contributions.WithTx(tx).SumConfirmed(ctx, group.ID, cycleNumber)
		if err != nil {
			return err
		}
		if gross <= 0 {
			return fmt.Errorf("cycle %d of group %s counted complete with empty pot", cycleNumber, group.ID)
		}

		breakdown := s.calculator.ForPayout(gross, winnerMember.Verified, group.Recurring)
		if group.PartnerCode == "" {
			// No partner to pay; their share folds into platform revenue.
			breakdown.PlatformShare += breakdown.PartnerShare
			breakdown.PartnerShare = 0
		}

		payout = &payoutdomain.Payout{
			ID:             s.genID.Generate(),
			GroupID:        group.ID,
			CycleNumber:    cycleNumber,
			WinnerMemberID: winnerID,
			GrossAmount:    gross,
			FeeAmount:      breakdown.FinalFee,
			NetAmount:      breakdown.NetAmount(),
			Currency:       group.Currency,
			Status:         payoutdomain.PayoutStatusPending,
			RequestKey:     payoutdomain.BuildRequestKey(group.ID, cycleNumber),
			NextAttemptAt:  &now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := payouts.Create(ctx, payout); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Lost the claim race.
				payout = nil
				return nil
			}
			return err
		}

		if err := s.fees.Insert(ctx, tx, &feedomain.FeeRecord{
			ID:             s.genID.Generate(),
			PayoutID:       payout.ID,
			GroupID:        group.ID,
			CycleNumber:    cycleNumber,
			GrossAmount:    breakdown.GrossAmount,
			BaseFee:        breakdown.BaseFee,
			FinalFee:       breakdown.FinalFee,
			CommunityShare: breakdown.CommunityShare,
			PartnerShare:   breakdown.PartnerShare,
			PlatformShare:  breakdown.PlatformShare,
			PartnerCode:    group.PartnerCode,
			Verified:       breakdown.Verified,
			Recurring:      breakdown.Recurring,
			SummaryHash:    breakdown.SummaryHash(),
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		// The winner leaves the pool the moment they are picked, not when
		// the money lands. A failed payout is retried for the same winner.
		if err := s.members.WithTx(tx).SetPayoutEligible(ctx, winnerID, false); err != nil {
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			GroupID:   group.ID,
			Type:      events.EventCycleCompleted,
			DedupeKey: fmt.Sprintf("cycle_completed:%s:%d", group.ID, cycleNumber),
			Payload: events.CycleCompletedPayload{
				GroupID:        group.ID.String(),
				CycleNumber:    cycleNumber,
				WinnerMemberID: winnerID.String(),
				PayoutID:       payout.ID.String(),
				GrossAmount:    breakdown.GrossAmount,
				NetAmount:      breakdown.NetAmount(),
			}.ToMap(),
		}); err != nil {
			return err
		}

		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !completed {
		return false, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordCycleCompleted(ctx)
	}
	s.audit(ctx, group.ID, "cycle.completed", "cycle", fmt.Sprintf("%s:%d", group.ID, cycleNumber), map[string]any{
		"cycle_number": cycleNumber,
		"winner_id":    winnerID.String(),
		"payout_id":    payout.ID.String(),
		"gross_amount": payout.GrossAmount,
		"net_amount":   payout.NetAmount,
	})
	s.log.Info("cycle completed",
		zap.String("group_id", group.ID.String()),
		zap.Int("cycle_number", cycleNumber),
		zap.String("winner_id", winnerID.String()),
		zap.String("payout_id", payout.ID.String()),
		zap.Int64("gross_amount", payout.GrossAmount),
		zap.Int64("net_amount", payout.NetAmount),
	)

	return true, nil
}

func (s *Service) SweepActiveGroups(ctx context.Context) (*domain.SweepReport, error) {
	policy := s.holder.Get().Sweep
	now := s.clock.Now().UTC()
	minAge := time.Duration(policy.MinCycleAgeSeconds) * time.Second

	groups, err := s.groups.Find(ctx,
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: groupdomain.GroupStatusActive}),
		option.ApplyOperator(option.Condition{Field: "updated_at", Operator: option.LTE, Value: now.Add(-minAge)}),
		option.WithSortBy(option.WithQuerySortBy("updated_at", "asc", map[string]bool{"updated_at": true})),
		option.WithLimit(policy.BatchSize),
	)
	if err != nil {
		return nil, err
	}

	report := &domain.SweepReport{}
	for _, group := range groups {
		report.GroupsChecked++
		completed, err := s.EvaluateCycle(ctx, group.ID, group.CurrentCycle)
		if err != nil {
			s.log.Error("sweep evaluation failed",
				zap.String("group_id", group.ID.String()),
				zap.Int("cycle_number", group.CurrentCycle),
				zap.Error(err),
			)
			continue
		}
		if completed {
			report.CyclesCompleted++
		}
	}

	if report.CyclesCompleted > 0 {
		s.log.Info("reconciliation sweep completed cycles",
			zap.Int("groups_checked", report.GroupsChecked),
			zap.Int("cycles_completed", report.CyclesCompleted),
		)
	}
	return report, nil
}

func (s *Service) GetCycle(ctx context.Context, groupID snowflake.ID, cycleNumber int) (*domain.CycleSummary, error) {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrGroupNotFound
	}
	if cycleNumber < 1 || cycleNumber > group.CurrentCycle {
		return nil, domain.ErrInvalidCycle
	}
	return s.summarize(ctx, group, cycleNumber)
}

func (s *Service) ListCycles(ctx context.Context, groupID snowflake.ID) ([]domain.CycleSummary, error) {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrGroupNotFound
	}

	summaries := make([]domain.CycleSummary, 0, group.CurrentCycle)
	for cycleNumber := group.CurrentCycle; cycleNumber >= 1; cycleNumber-- {
		summary, err := s.summarize(ctx, group, cycleNumber)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

// summarize derives cycle state against the live roster; summaries of
// historic cycles shift if members depart later, the contribution and payout
// rows stay authoritative.
func (s *Service) summarize(ctx context.Context, group *groupdomain.Group, cycleNumber int) (*domain.CycleSummary, error) {
	roster, err := s.members.FindActiveByGroup(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	confirmed, err := s.contributions.CountConfirmed(ctx, group.ID, cycleNumber)
	if err != nil {
		return nil, err
	}
	collected, err := s.contributions.SumConfirmed(ctx, group.ID, cycleNumber)
	if err != nil {
		return nil, err
	}
	payout, err := s.payouts.FindByGroupCycle(ctx, group.ID, cycleNumber)
	if err != nil {
		return nil, err
	}

	summary := &domain.CycleSummary{
		GroupID:         group.ID,
		CycleNumber:     cycleNumber,
		ExpectedMembers: len(roster),
		ConfirmedCount:  int(confirmed),
		ExpectedAmount:  group.ContributionAmount * int64(len(roster)),
		CollectedTotal:  collected,
	}

	switch {
	case payout != nil && payout.Status == payoutdomain.PayoutStatusConfirmed:
		summary.Status = domain.CycleStatusPaid
	case payout != nil:
		summary.Status = domain.CycleStatusComplete
	case group.Status == groupdomain.GroupStatusClosed:
		summary.Status = domain.CycleStatusClosed
	default:
		summary.Status = domain.CycleStatusOpen
	}

	if payout != nil {
		winnerID := payout.WinnerMemberID
		payoutID := payout.ID
		summary.WinnerMemberID = &winnerID
		summary.PayoutID = &payoutID
		summary.PayoutStatus = string(payout.Status)
		summary.PaidAt = payout.ConfirmedAt
	}
	return summary, nil
}

func (s *Service) audit(ctx context.Context, groupID snowflake.ID, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}

	actorType := string(auditdomain.ActorTypeSystem)
	gid := groupID
	if err := s.auditSvc.AuditLog(ctx, &gid, actorType, nil, action, targetType, &targetID, metadata); err != nil {
		s.log.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}
