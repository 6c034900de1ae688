package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	auditcontext "github.com/smallbiznis/tontine/internal/auditcontext"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/cloudmetrics"
	"github.com/smallbiznis/tontine/internal/contribution/domain"
	cycledomain "github.com/smallbiznis/tontine/internal/cycle/domain"
	"github.com/smallbiznis/tontine/internal/events"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	ledgerdomain "github.com/smallbiznis/tontine/internal/ledger/domain"
	"github.com/smallbiznis/tontine/internal/observability/metrics"
	"github.com/smallbiznis/tontine/internal/rail"
	"github.com/smallbiznis/tontine/pkg/db/option"
)

// errKeyTaken signals that the idempotency key lost an insert race and the
// caller should resolve the outcome by re-reading the key.
var errKeyTaken = errors.New("idempotency_key_taken")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Groups  groupdomain.GroupRepository
	Members groupdomain.MemberRepository
	Ledger  ledgerdomain.Service
	Outbox  events.Outbox
	Rail    rail.Rail

	Cycles     cycledomain.Service        `optional:"true"`
	AuditSvc   auditdomain.Service        `optional:"true"`
	ObsMetrics *metrics.Metrics           `optional:"true"`
	Cloud      *cloudmetrics.CloudMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	groups  groupdomain.GroupRepository
	members groupdomain.MemberRepository
	ledger  ledgerdomain.Service
	outbox  events.Outbox
	rail    rail.Rail

	cycles     cycledomain.Service
	auditSvc   auditdomain.Service
	obsMetrics *metrics.Metrics
	cloud      *cloudmetrics.CloudMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("contribution.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		groups:     p.Groups,
		members:    p.Members,
		ledger:     p.Ledger,
		outbox:     p.Outbox,
		rail:       p.Rail,
		cycles:     p.Cycles,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		cloud:      p.Cloud,
	}
}

func (s *Service) ProcessConfirmation(ctx context.Context, req domain.ConfirmationRequest) (*domain.IntakeResult, error) {
	key := strings.TrimSpace(req.ConfirmationID)
	if key == "" {
		return nil, domain.ErrInvalidConfirmationID
	}
	if req.GroupID == 0 {
		return nil, domain.ErrInvalidGroup
	}
	if req.MemberID == 0 {
		return nil, domain.ErrInvalidMember
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	result, err := s.intake(ctx, intakeInput{
		key:         key,
		keyColumn:   "confirmation_id",
		groupID:     req.GroupID,
		memberID:    req.MemberID,
		cycleNumber: req.CycleNumber,
		cycleHinted: true,
		amount:      req.Amount,
		source:      domain.SourceRail,
		provider:    req.Provider,
		settledAt:   req.SettledAt,
	})
	if err != nil {
		return nil, err
	}

	s.recordOutcome(ctx, domain.SourceRail, result)
	return result, nil
}

func (s *Service) SubmitDirect(ctx context.Context, req domain.DirectSubmitRequest) (*domain.IntakeResult, error) {
	key := strings.TrimSpace(req.ClientKey)
	if key == "" {
		return nil, domain.ErrInvalidClientKey
	}
	if req.GroupID == 0 {
		return nil, domain.ErrInvalidGroup
	}
	if req.MemberID == 0 {
		return nil, domain.ErrInvalidMember
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = domain.SourceDirect
	}

	result, err := s.intake(ctx, intakeInput{
		key:         key,
		keyColumn:   "client_key",
		groupID:     req.GroupID,
		memberID:    req.MemberID,
		cycleNumber: req.CycleNumber,
		cycleHinted: req.CycleNumber > 0,
		amount:      req.Amount,
		source:      source,
		settledAt:   s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	s.recordOutcome(ctx, source, result)
	return result, nil
}

type intakeInput struct {
	key         string
	keyColumn   string
	groupID     snowflake.ID
	memberID    snowflake.ID
	cycleNumber int
	// cycleHinted marks the cycle number as caller-supplied. Unhinted
	// submissions target the group's current cycle.
	cycleHinted bool
	amount      int64
	source      string
	provider    string
	settledAt   time.Time
}

// intake classifies and records one submission. The idempotency key is
// checked before anything else so redelivery returns the original outcome no
// matter what happened to the group since.
func (s *Service) intake(ctx context.Context, in intakeInput) (*domain.IntakeResult, error) {
	if prior, err := s.repo.FindByKey(ctx, in.key); err != nil {
		return nil, err
	} else if prior != nil {
		return &domain.IntakeResult{Outcome: domain.OutcomeDuplicate, Contribution: prior}, nil
	}

	group, err := s.groups.FindByID(ctx, in.groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return s.reject(ctx, in, domain.ReasonGroupNotFound), nil
	}
	if group.Status != groupdomain.GroupStatusActive {
		return s.reject(ctx, in, domain.ReasonGroupNotActive), nil
	}

	member, err := s.members.FindByID(ctx, in.memberID)
	if err != nil {
		return nil, err
	}
	if member == nil || member.GroupID != group.ID || member.Status != groupdomain.MemberStatusActive {
		return s.reject(ctx, in, domain.ReasonMemberNotInGroup), nil
	}

	if in.amount != group.ContributionAmount {
		return s.reject(ctx, in, domain.ReasonAmountMismatch), nil
	}

	cycleNumber := in.cycleNumber
	if !in.cycleHinted {
		cycleNumber = group.CurrentCycle
	}
	if cycleNumber <= 0 || cycleNumber > group.CurrentCycle {
		return s.reject(ctx, in, domain.ReasonInvalidCycle), nil
	}
	if cycleNumber < group.CurrentCycle {
		// The cycle already completed. Retries of late deliveries must
		// converge, so this is a successful no-op rather than an error.
		s.log.Debug("stale contribution submission",
			zap.String("group_id", group.ID.String()),
			zap.Int("cycle_number", cycleNumber),
			zap.Int("current_cycle", group.CurrentCycle),
		)
		return &domain.IntakeResult{Outcome: domain.OutcomeStale, Reason: domain.ReasonStaleCycle}, nil
	}

	result, err := s.record(ctx, in, group, cycleNumber)
	if err != nil {
		return nil, err
	}

	if result.Outcome == domain.OutcomeConfirmed {
		s.log.Info("contribution confirmed",
			zap.String("contribution_id", result.Contribution.ID.String()),
			zap.String("group_id", group.ID.String()),
			zap.Int("cycle_number", cycleNumber),
			zap.String("member_id", in.memberID.String()),
			zap.String("source", in.source),
		)
		s.audit(ctx, group.ID, "contribution.confirmed", "contribution", result.Contribution.ID.String(), map[string]any{
			"cycle_number": cycleNumber,
			"member_id":    in.memberID.String(),
			"amount":       in.amount,
			"source":       in.source,
		})
		if s.cycles != nil {
			s.cycles.TriggerEvaluation(group.ID, cycleNumber)
		}
		// async metrics (best effort)
		if s.cloud != nil {
			go s.cloud.IncContribution("", in.source)
		}
	}

	return result, nil
}

// record writes the slot row and its ledger legs in one transaction. Losing
// any of the three races (slot insert, key insert, slot claim) resolves to a
// duplicate or conflict outcome, never an error the caller must retry.
func (s *Service) record(ctx context.Context, in intakeInput, group *groupdomain.Group, cycleNumber int) (*domain.IntakeResult, error) {
	now := s.clock.Now().UTC()
	settledAt := in.settledAt.UTC()
	if settledAt.IsZero() {
		settledAt = now
	}

	fresh := &domain.Contribution{
		ID:           s.genID.Generate(),
		GroupID:      group.ID,
		CycleNumber:  cycleNumber,
		MemberID:     in.memberID,
		Amount:       in.amount,
		Currency:     group.Currency,
		Status:       domain.ContributionStatusConfirmed,
		Source:       in.source,
		RailProvider: in.provider,
		SettledAt:    &settledAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.setKey(fresh, in)

	// Chart accounts are seeded at startup and never change. Resolved out
	// here because the transaction below may hold the pool's only connection.
	memberFunds, err := s.ledger.AccountByCode(ctx, ledgerdomain.AccountCodeMemberFunds)
	if err != nil {
		return nil, err
	}
	groupPool, err := s.ledger.AccountByCode(ctx, ledgerdomain.AccountCodeGroupPool)
	if err != nil {
		return nil, err
	}

	var result *domain.IntakeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		created, err := repo.CreateIdempotent(ctx, fresh)
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errKeyTaken
			}
			return err
		}
		if created {
			if err := s.postContributionEntry(ctx, tx, group, fresh, memberFunds, groupPool); err != nil {
				return err
			}
			if err := s.publishRecorded(ctx, tx, fresh); err != nil {
				return err
			}
			result = &domain.IntakeResult{Outcome: domain.OutcomeConfirmed, Contribution: fresh}
			return nil
		}

		existing, err := repo.FindBySlot(ctx, group.ID, cycleNumber, in.memberID)
		if err != nil {
			return err
		}
		if existing == nil {
			// The insert was skipped but not by the slot index, so the
			// idempotency key itself collided.
			return errKeyTaken
		}
		if existing.MatchesKey(in.key) {
			result = &domain.IntakeResult{Outcome: domain.OutcomeDuplicate, Contribution: existing}
			return nil
		}

		if existing.Status == domain.ContributionStatusConfirmed {
			result = s.slotConflict(existing)
			return nil
		}

		updates := map[string]any{
			"status":         domain.ContributionStatusConfirmed,
			in.keyColumn:     in.key,
			"amount":         in.amount,
			"source":         in.source,
			"settled_at":     settledAt,
			"failure_reason": "",
			"updated_at":     now,
		}
		if in.provider != "" {
			updates["rail_provider"] = in.provider
		}

		claimed, err := repo.ClaimSlot(ctx, existing.ID, updates)
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errKeyTaken
			}
			return err
		}
		if !claimed {
			latest, err := repo.FindBySlot(ctx, group.ID, cycleNumber, in.memberID)
			if err != nil {
				return err
			}
			if latest == nil {
				return fmt.Errorf("contribution slot disappeared mid claim")
			}
			if latest.MatchesKey(in.key) {
				result = &domain.IntakeResult{Outcome: domain.OutcomeDuplicate, Contribution: latest}
			} else {
				result = s.slotConflict(latest)
			}
			return nil
		}

		claimedRow := *existing
		claimedRow.Status = domain.ContributionStatusConfirmed
		claimedRow.Amount = in.amount
		claimedRow.Source = in.source
		claimedRow.SettledAt = &settledAt
		claimedRow.FailureReason = ""
		claimedRow.UpdatedAt = now
		if in.provider != "" {
			claimedRow.RailProvider = in.provider
		}
		s.setKey(&claimedRow, in)

		if err := s.postContributionEntry(ctx, tx, group, &claimedRow, memberFunds, groupPool); err != nil {
			return err
		}
		if err := s.publishRecorded(ctx, tx, &claimedRow); err != nil {
			return err
		}
		result = &domain.IntakeResult{Outcome: domain.OutcomeConfirmed, Contribution: &claimedRow}
		return nil
	})
	if errors.Is(err, errKeyTaken) {
		prior, findErr := s.repo.FindByKey(ctx, in.key)
		if findErr != nil {
			return nil, findErr
		}
		if prior == nil {
			return nil, fmt.Errorf("idempotency key taken but not readable: %s", in.key)
		}
		return &domain.IntakeResult{Outcome: domain.OutcomeDuplicate, Contribution: prior}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) setKey(c *domain.Contribution, in intakeInput) {
	key := in.key
	if in.keyColumn == "confirmation_id" {
		c.ConfirmationID = &key
	} else {
		c.ClientKey = &key
	}
}

// slotConflict is a confirmed slot hit under a different key: usually two
// distinct payments for the same slot. The caller converges as a duplicate;
// operators get an audit trail to reconcile the extra payment.
func (s *Service) slotConflict(existing *domain.Contribution) *domain.IntakeResult {
	return &domain.IntakeResult{
		Outcome:      domain.OutcomeDuplicate,
		Reason:       domain.ReasonSlotConflict,
		Contribution: existing,
	}
}

func (s *Service) postContributionEntry(ctx context.Context, tx *gorm.DB, group *groupdomain.Group, c *domain.Contribution, memberFunds, groupPool *ledgerdomain.LedgerAccount) error {
	occurredAt := c.UpdatedAt
	if c.SettledAt != nil {
		occurredAt = *c.SettledAt
	}

	return s.ledger.CreateEntry(ctx, tx, group.ID, ledgerdomain.SourceTypeContribution, c.ID, c.Currency, occurredAt, []ledgerdomain.LedgerEntryLine{
		{AccountID: memberFunds.ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: c.Amount},
		{AccountID: groupPool.ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: c.Amount},
	})
}

func (s *Service) publishRecorded(ctx context.Context, tx *gorm.DB, c *domain.Contribution) error {
	return s.outbox.PublishTx(ctx, tx, events.Event{
		GroupID:   c.GroupID,
		Type:      events.EventContributionRecorded,
		DedupeKey: fmt.Sprintf("contribution:%s", c.ID),
		Payload: events.ContributionRecordedPayload{
			ContributionID: c.ID.String(),
			GroupID:        c.GroupID.String(),
			MemberID:       c.MemberID.String(),
			CycleNumber:    c.CycleNumber,
			Amount:         c.Amount,
			Source:         c.Source,
		}.ToMap(),
	})
}

func (s *Service) reject(ctx context.Context, in intakeInput, reason string) *domain.IntakeResult {
	s.log.Warn("contribution rejected",
		zap.String("group_id", in.groupID.String()),
		zap.String("member_id", in.memberID.String()),
		zap.Int("cycle_number", in.cycleNumber),
		zap.String("reason", reason),
	)
	s.audit(ctx, in.groupID, "contribution.rejected", "group", in.groupID.String(), map[string]any{
		"member_id":    in.memberID.String(),
		"cycle_number": in.cycleNumber,
		"amount":       in.amount,
		"source":       in.source,
		"reason":       reason,
	})
	return &domain.IntakeResult{Outcome: domain.OutcomeRejected, Reason: reason}
}

func (s *Service) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.InitiateResult, error) {
	if req.GroupID == 0 {
		return nil, domain.ErrInvalidGroup
	}
	if req.MemberID == 0 {
		return nil, domain.ErrInvalidMember
	}

	group, err := s.groups.FindByID(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, groupdomain.ErrGroupNotFound
	}
	if group.Status != groupdomain.GroupStatusActive {
		return nil, groupdomain.ErrGroupNotActive
	}

	member, err := s.members.FindByID(ctx, req.MemberID)
	if err != nil {
		return nil, err
	}
	if member == nil || member.GroupID != group.ID || member.Status != groupdomain.MemberStatusActive {
		return nil, groupdomain.ErrMemberNotFound
	}

	now := s.clock.Now().UTC()
	slot := &domain.Contribution{
		ID:           s.genID.Generate(),
		GroupID:      group.ID,
		CycleNumber:  group.CurrentCycle,
		MemberID:     member.ID,
		Amount:       group.ContributionAmount,
		Currency:     group.Currency,
		Status:       domain.ContributionStatusPending,
		Source:       domain.SourceRail,
		RailProvider: s.rail.Provider(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.repo.CreateIdempotent(ctx, slot); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindBySlot(ctx, group.ID, group.CurrentCycle, member.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("contribution slot disappeared after insert")
	}
	if existing.Status == domain.ContributionStatusConfirmed {
		return &domain.InitiateResult{Contribution: existing}, nil
	}

	// The invoice key is the slot identity, so repeated initiations reuse
	// the same rail invoice instead of stacking new ones.
	invoice, err := s.rail.CreateInvoice(ctx, rail.InvoiceRequest{
		IdempotencyKey: fmt.Sprintf("contrib:%s:%d:%s", group.ID, group.CurrentCycle, member.ID),
		PayerRef:       member.MSISDN,
		Amount:         group.ContributionAmount,
		Currency:       group.Currency,
		Memo:           fmt.Sprintf("%s cycle %d", group.Name, group.CurrentCycle),
	})
	if err != nil {
		return nil, err
	}

	if existing.RailInvoiceID != invoice.InvoiceID || existing.RailProvider != s.rail.Provider() {
		existing.RailInvoiceID = invoice.InvoiceID
		existing.RailProvider = s.rail.Provider()
		existing.UpdatedAt = now
		if err := s.repo.Update(ctx, existing); err != nil {
			return nil, err
		}
	}

	return &domain.InitiateResult{
		Contribution: existing,
		InvoiceID:    invoice.InvoiceID,
		PayRef:       invoice.PayRef,
	}, nil
}

func (s *Service) GetContribution(ctx context.Context, id snowflake.ID) (*domain.Contribution, error) {
	contribution, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if contribution == nil {
		return nil, domain.ErrContributionNotFound
	}
	return contribution, nil
}

func (s *Service) ListContributions(ctx context.Context, req domain.ListContributionsRequest) ([]domain.Contribution, error) {
	if req.GroupID == 0 {
		return nil, domain.ErrInvalidGroup
	}

	opts := []option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "group_id", Operator: option.EQ, Value: req.GroupID}),
	}
	if req.CycleNumber > 0 {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "cycle_number", Operator: option.EQ, Value: req.CycleNumber}))
	}
	if req.Status != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: req.Status}))
	}
	return s.repo.Find(ctx, opts...)
}

func (s *Service) recordOutcome(ctx context.Context, source string, result *domain.IntakeResult) {
	if s.obsMetrics == nil || result == nil {
		return
	}
	s.obsMetrics.RecordContributionIntake(ctx, source, string(result.Outcome))
}

func (s *Service) audit(ctx context.Context, groupID snowflake.ID, action, targetType, targetID string, metadata map[string]any) {
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
	if err := s.auditSvc.AuditLog(ctx, &gid, actorType, actorRef, action, targetType, &targetID, metadata); err != nil {
		s.log.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}
