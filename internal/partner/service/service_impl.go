package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	auditcontext "github.com/smallbiznis/tontine/internal/auditcontext"
	"github.com/smallbiznis/tontine/internal/clock"
	feedomain "github.com/smallbiznis/tontine/internal/fee/domain"
	"github.com/smallbiznis/tontine/internal/partner/domain"
)

const settlementCurrency = "SATS"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
	Fees  feedomain.Repository

	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	fees  feedomain.Repository

	auditSvc auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("partner.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		fees:     p.Fees,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) RollupDaily(ctx context.Context, asOf time.Time) (domain.RollupReport, error) {
	// Roll up the last fully closed UTC day. Fee records inside it cannot
	// change anymore, so the aggregation is stable across re-runs.
	windowEnd := asOf.UTC().Truncate(24 * time.Hour)
	windowStart := windowEnd.Add(-24 * time.Hour)
	report := domain.RollupReport{WindowStart: windowStart, WindowEnd: windowEnd}

	rollups, err := s.fees.SumPartnerShares(ctx, s.db, windowStart, windowEnd)
	if err != nil {
		return report, err
	}

	now := s.clock.Now().UTC()
	for _, rollup := range rollups {
		created, err := s.repo.Insert(ctx, &domain.PartnerSettlement{
			ID:          s.genID.Generate(),
			PartnerCode: rollup.PartnerCode,
			PeriodStart: windowStart,
			PeriodEnd:   windowEnd,
			Amount:      rollup.Total,
			PayoutCount: rollup.Payouts,
			Currency:    settlementCurrency,
			Status:      domain.SettlementStatusAccrued,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return report, err
		}
		if created {
			report.Created++
			s.log.Info("partner settlement accrued",
				zap.String("partner_code", rollup.PartnerCode),
				zap.Int64("amount", rollup.Total),
				zap.Int64("payouts", rollup.Payouts),
				zap.Time("period_start", windowStart),
			)
		}
	}
	return report, nil
}

func (s *Service) ListSettlements(ctx context.Context, req domain.ListSettlementsRequest) ([]domain.PartnerSettlement, error) {
	return s.repo.List(ctx, req)
}

func (s *Service) Settle(ctx context.Context, id snowflake.ID) (*domain.PartnerSettlement, error) {
	settlement, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if settlement == nil {
		return nil, domain.ErrSettlementNotFound
	}
	if settlement.Status == domain.SettlementStatusSettled {
		return nil, domain.ErrAlreadySettled
	}

	now := s.clock.Now().UTC()
	ok, err := s.repo.MarkSettled(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAlreadySettled
	}

	s.audit(ctx, "settlement.settled", settlement, now)
	s.log.Info("partner settlement settled",
		zap.String("settlement_id", settlement.ID.String()),
		zap.String("partner_code", settlement.PartnerCode),
		zap.Int64("amount", settlement.Amount),
	)
	return s.repo.FindByID(ctx, id)
}

func (s *Service) audit(ctx context.Context, action string, settlement *domain.PartnerSettlement, at time.Time) {
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

	targetID := settlement.ID.String()
	if err := s.auditSvc.AuditLog(ctx, nil, actorType, actorRef, action, "settlement", &targetID, map[string]any{
		"partner_code": settlement.PartnerCode,
		"amount":       settlement.Amount,
		"period_start": settlement.PeriodStart,
		"settled_at":   at,
	}); err != nil {
		s.log.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}
