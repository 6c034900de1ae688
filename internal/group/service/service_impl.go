package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	auditcontext "github.com/smallbiznis/tontine/internal/auditcontext"
	"github.com/smallbiznis/tontine/internal/auth/password"
	"github.com/smallbiznis/tontine/internal/clock"
	contributiondomain "github.com/smallbiznis/tontine/internal/contribution/domain"
	"github.com/smallbiznis/tontine/internal/events"
	"github.com/smallbiznis/tontine/internal/group/domain"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/rates"
	"github.com/smallbiznis/tontine/pkg/db/option"
)

const (
	defaultCurrency     = "SATS"
	defaultCycleDays    = 30
	maxJoinCodeAttempts = 3
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Groups        domain.GroupRepository
	Members       domain.MemberRepository
	Contributions contributiondomain.Repository
	Payouts       payoutdomain.Repository
	Outbox        events.Outbox

	AuditSvc auditdomain.Service `optional:"true"`
	Rates    rates.Service       `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	groups        domain.GroupRepository
	members       domain.MemberRepository
	contributions contributiondomain.Repository
	payouts       payoutdomain.Repository
	outbox        events.Outbox

	auditSvc auditdomain.Service
	rates    rates.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("group.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		groups:        p.Groups,
		members:       p.Members,
		contributions: p.Contributions,
		payouts:       p.Payouts,
		outbox:        p.Outbox,
		auditSvc:      p.AuditSvc,
		rates:         p.Rates,
	}
}

func (s *Service) CreateGroup(ctx context.Context, req domain.CreateGroupRequest) (*domain.Group, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidGroupName
	}
	if req.ContributionAmount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	cycleDays := req.CycleLengthDays
	if cycleDays == 0 {
		cycleDays = defaultCycleDays
	}
	if cycleDays < 1 || cycleDays > 366 {
		return nil, domain.ErrInvalidCycleLength
	}

	organizerMSISDN, err := normalizeMSISDN(req.OrganizerMSISDN)
	if err != nil {
		return nil, err
	}
	if err := validatePIN(req.OrganizerPIN); err != nil {
		return nil, err
	}
	organizerName := strings.TrimSpace(req.OrganizerName)
	if organizerName == "" {
		organizerName = organizerMSISDN
	}

	pinHash, err := password.Hash(req.OrganizerPIN)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	metadata := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	var group *domain.Group
	// Join codes carry a numeric suffix; regenerate on the rare collision.
	for attempt := 0; attempt < maxJoinCodeAttempts; attempt++ {
		groupID := s.genID.Generate()
		candidate := &domain.Group{
			ID:                 groupID,
			Name:               name,
			JoinCode:           buildJoinCode(name, groupID),
			Status:             domain.GroupStatusForming,
			ContributionAmount: req.ContributionAmount,
			Currency:           currency,
			CycleLengthDays:    cycleDays,
			CurrentCycle:       1,
			PartnerCode:        strings.TrimSpace(req.PartnerCode),
			Metadata:           metadata,
			CreatedAt:          now,
			UpdatedAt:          now,
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.groups.WithTx(tx).Create(ctx, candidate); err != nil {
				return err
			}
			organizer := &domain.Member{
				ID:             s.genID.Generate(),
				GroupID:        groupID,
				MSISDN:         organizerMSISDN,
				DisplayName:    organizerName,
				Role:           domain.RoleOrganizer,
				Status:         domain.MemberStatusActive,
				PINHash:        pinHash,
				PayoutEligible: true,
				JoinOrder:      1,
				JoinedAt:       now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			return s.members.WithTx(tx).Create(ctx, organizer)
		})
		if err == nil {
			group = candidate
			break
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
	}
	if group == nil {
		return nil, err
	}

	s.audit(ctx, group.ID, "group.created", "group", group.ID.String(), map[string]any{
		"name":                group.Name,
		"join_code":           group.JoinCode,
		"contribution_amount": group.ContributionAmount,
		"currency":            group.Currency,
	})
	s.log.Info("group created",
		zap.String("group_id", group.ID.String()),
		zap.String("join_code", group.JoinCode),
	)
	return group, nil
}

func (s *Service) GetGroup(ctx context.Context, id snowflake.ID) (*domain.Group, error) {
	group, err := s.groups.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrGroupNotFound
	}
	return group, nil
}

func (s *Service) ListGroups(ctx context.Context, req domain.ListGroupsRequest) ([]domain.Group, int64, error) {
	var opts []option.QueryOption
	if req.Status != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: req.Status}))
	}

	total, err := s.groups.Count(ctx, opts...)
	if err != nil {
		return nil, 0, err
	}

	size := req.Size
	if size <= 0 || size > 200 {
		size = 50
	}
	opts = append(opts,
		option.WithSortBy(option.WithQuerySortBy(req.SortBy, req.OrderBy, map[string]bool{
			"created_at": true,
			"updated_at": true,
			"name":       true,
		})),
		option.WithLimit(size),
	)

	groups, err := s.groups.Find(ctx, opts...)
	if err != nil {
		return nil, 0, err
	}
	return groups, total, nil
}

// ActivateGroup freezes the roster: join order is already fixed, the member
// list stops growing and cycle 1 opens for contributions.
func (s *Service) ActivateGroup(ctx context.Context, id snowflake.ID) (*domain.Group, error) {
	group, err := s.groups.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrGroupNotFound
	}
	switch group.Status {
	case domain.GroupStatusActive:
		return nil, domain.ErrGroupAlreadyActive
	case domain.GroupStatusClosed:
		return nil, domain.ErrGroupClosed
	}

	roster, err := s.members.FindActiveByGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(roster) < domain.MinActiveMembers {
		return nil, domain.ErrNotEnoughMembers
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Group{}).
			Where("id = ? AND status = ?", id, domain.GroupStatusForming).
			Updates(map[string]any{
				"status":       domain.GroupStatusActive,
				"activated_at": now,
				"updated_at":   now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrGroupAlreadyActive
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			GroupID:   id,
			Type:      events.EventGroupActivated,
			DedupeKey: fmt.Sprintf("group_activated:%s", id),
			Payload: events.GroupActivatedPayload{
				GroupID:      id.String(),
				MemberCount:  len(roster),
				CurrentCycle: group.CurrentCycle,
			}.ToMap(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, id, "group.activated", "group", id.String(), map[string]any{
		"member_count": len(roster),
	})
	s.log.Info("group activated",
		zap.String("group_id", id.String()),
		zap.Int("member_count", len(roster)),
	)
	return s.groups.FindByID(ctx, id)
}

func (s *Service) CloseGroup(ctx context.Context, id snowflake.ID) (*domain.Group, error) {
	group, err := s.groups.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrGroupNotFound
	}
	if group.Status == domain.GroupStatusClosed {
		return group, nil
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Group{}).
			Where("id = ? AND status <> ?", id, domain.GroupStatusClosed).
			Updates(map[string]any{
				"status":     domain.GroupStatusClosed,
				"closed_at":  now,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		return s.outbox.PublishTx(ctx, tx, events.Event{
			GroupID:   id,
			Type:      events.EventGroupClosed,
			DedupeKey: fmt.Sprintf("group_closed:%s", id),
			Payload: map[string]any{
				"group_id":      id.String(),
				"current_cycle": group.CurrentCycle,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, id, "group.closed", "group", id.String(), map[string]any{
		"current_cycle": group.CurrentCycle,
	})
	s.log.Info("group closed", zap.String("group_id", id.String()))
	return s.groups.FindByID(ctx, id)
}

func (s *Service) GetGroupStatus(ctx context.Context, id snowflake.ID) (*domain.GroupStatusSummary, error) {
	group, err := s.groups.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrGroupNotFound
	}

	roster, err := s.members.FindActiveByGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	contributions, err := s.contributions.ListByGroupCycle(ctx, id, group.CurrentCycle)
	if err != nil {
		return nil, err
	}
	paidSet := make(map[snowflake.ID]bool, len(contributions))
	var collected int64
	for _, c := range contributions {
		if c.Status == contributiondomain.ContributionStatusConfirmed {
			paidSet[c.MemberID] = true
			collected += c.Amount
		}
	}

	summary := &domain.GroupStatusSummary{
		GroupID:        group.ID,
		Status:         group.Status,
		CurrentCycle:   group.CurrentCycle,
		MembersTotal:   len(roster),
		MembersPaid:    make([]domain.MemberRef, 0, len(paidSet)),
		MembersPending: make([]domain.MemberRef, 0, len(roster)),
		ExpectedAmount: group.ContributionAmount * int64(len(roster)),
		CollectedTotal: collected,
	}
	for _, m := range roster {
		ref := domain.MemberRef{MemberID: m.ID, DisplayName: m.DisplayName, JoinOrder: m.JoinOrder}
		if paidSet[m.ID] {
			summary.MembersPaid = append(summary.MembersPaid, ref)
		} else {
			summary.MembersPending = append(summary.MembersPending, ref)
		}
	}

	lastPayout, err := s.payouts.FindLatestConfirmed(ctx, id)
	if err != nil {
		return nil, err
	}
	if lastPayout != nil {
		summary.LastPayout = &domain.PayoutRef{
			CycleNumber:    lastPayout.CycleNumber,
			WinnerMemberID: lastPayout.WinnerMemberID,
			NetAmount:      lastPayout.NetAmount,
			Status:         string(lastPayout.Status),
			ConfirmedAt:    lastPayout.ConfirmedAt,
		}
	}

	if s.rates != nil && group.Currency == defaultCurrency {
		if quote, err := s.rates.Current(ctx); err == nil {
			summary.RateXOFPerBTC = quote.Rate
			summary.ExpectedAmountXOF = quote.XOFForSats(summary.ExpectedAmount)
			summary.CollectedTotalXOF = quote.XOFForSats(summary.CollectedTotal)
		}
	}
	return summary, nil
}

func (s *Service) JoinGroup(ctx context.Context, req domain.JoinGroupRequest) (*domain.Member, error) {
	code := strings.TrimSpace(strings.ToLower(req.JoinCode))
	if code == "" {
		return nil, domain.ErrInvalidJoinCode
	}
	msisdn, err := normalizeMSISDN(req.MSISDN)
	if err != nil {
		return nil, err
	}
	if err := validatePIN(req.PIN); err != nil {
		return nil, err
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = msisdn
	}

	group, err := s.groups.FindByJoinCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrInvalidJoinCode
	}
	// The roster freezes at activation; later joiners wait for the next
	// group.
	if group.Status != domain.GroupStatusForming {
		return nil, domain.ErrGroupAlreadyActive
	}

	existing, err := s.members.FindOne(ctx,
		option.ApplyOperator(option.Condition{Field: "group_id", Operator: option.EQ, Value: group.ID}),
		option.ApplyOperator(option.Condition{Field: "msisdn", Operator: option.EQ, Value: msisdn}),
	)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == domain.MemberStatusDeparted {
			return nil, domain.ErrMemberDeparted
		}
		return nil, domain.ErrMemberAlreadyJoined
	}

	pinHash, err := password.Hash(req.PIN)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	var member *domain.Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		members := s.members.WithTx(tx)

		count, err := members.Count(ctx,
			option.ApplyOperator(option.Condition{Field: "group_id", Operator: option.EQ, Value: group.ID}),
		)
		if err != nil {
			return err
		}

		member = &domain.Member{
			ID:             s.genID.Generate(),
			GroupID:        group.ID,
			MSISDN:         msisdn,
			DisplayName:    displayName,
			Role:           domain.RoleMember,
			Status:         domain.MemberStatusActive,
			PINHash:        pinHash,
			PayoutEligible: true,
			JoinOrder:      int(count) + 1,
			JoinedAt:       now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return members.Create(ctx, member)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, domain.ErrMemberAlreadyJoined
		}
		return nil, err
	}

	s.audit(ctx, group.ID, "member.joined", "member", member.ID.String(), map[string]any{
		"display_name": member.DisplayName,
		"join_order":   member.JoinOrder,
	})
	s.log.Info("member joined group",
		zap.String("group_id", group.ID.String()),
		zap.String("member_id", member.ID.String()),
		zap.Int("join_order", member.JoinOrder),
	)
	return member, nil
}

func (s *Service) GetMember(ctx context.Context, groupID, memberID snowflake.ID) (*domain.Member, error) {
	member, err := s.members.FindByID(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member == nil || member.GroupID != groupID {
		return nil, domain.ErrMemberNotFound
	}
	return member, nil
}

func (s *Service) ListMembers(ctx context.Context, groupID snowflake.ID) ([]domain.Member, error) {
	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrGroupNotFound
	}
	return s.members.FindActiveByGroup(ctx, groupID)
}

func (s *Service) UpdateMember(ctx context.Context, req domain.UpdateMemberRequest) (*domain.Member, error) {
	member, err := s.GetMember(ctx, req.GroupID, req.MemberID)
	if err != nil {
		return nil, err
	}

	changed := map[string]any{}
	if req.Verified != nil && *req.Verified != member.Verified {
		member.Verified = *req.Verified
		changed["verified"] = *req.Verified
	}
	if target := strings.TrimSpace(req.PayoutTarget); target != "" && target != member.PayoutTarget {
		member.PayoutTarget = target
		changed["payout_target"] = target
	}
	if len(changed) == 0 {
		return member, nil
	}

	member.UpdatedAt = s.clock.Now().UTC()
	if err := s.members.Update(ctx, member); err != nil {
		return nil, err
	}

	s.audit(ctx, req.GroupID, "member.updated", "member", member.ID.String(), changed)
	return member, nil
}

// DepartMember removes a member from future cycles. The current cycle must
// be square first: an unpaid slot would strand the cycle short of complete,
// and a paid slot departs with its contribution already in the pot.
func (s *Service) DepartMember(ctx context.Context, groupID, memberID snowflake.ID) (*domain.Member, error) {
	member, err := s.GetMember(ctx, groupID, memberID)
	if err != nil {
		return nil, err
	}
	if member.Status == domain.MemberStatusDeparted {
		return member, nil
	}

	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, domain.ErrGroupNotFound
	}

	if group.Status == domain.GroupStatusActive {
		slot, err := s.contributions.FindBySlot(ctx, groupID, group.CurrentCycle, memberID)
		if err != nil {
			return nil, err
		}
		if slot != nil && slot.Status == contributiondomain.ContributionStatusPending {
			return nil, domain.ErrMemberHasObligations
		}

		// An in-flight payout to this member blocks departure too.
		pendingPayout, err := s.payouts.FindOne(ctx,
			option.ApplyOperator(option.Condition{Field: "winner_member_id", Operator: option.EQ, Value: memberID}),
			option.ApplyOperator(option.Condition{Field: "status", Operator: option.NEQ, Value: payoutdomain.PayoutStatusConfirmed}),
		)
		if err != nil {
			return nil, err
		}
		if pendingPayout != nil {
			return nil, domain.ErrMemberHasObligations
		}
	}

	now := s.clock.Now().UTC()
	member.Status = domain.MemberStatusDeparted
	member.DepartedAt = &now
	member.UpdatedAt = now
	if err := s.members.Update(ctx, member); err != nil {
		return nil, err
	}

	s.audit(ctx, groupID, "member.departed", "member", member.ID.String(), map[string]any{
		"display_name": member.DisplayName,
		"cycle_number": group.CurrentCycle,
	})
	s.log.Info("member departed",
		zap.String("group_id", groupID.String()),
		zap.String("member_id", member.ID.String()),
	)
	return member, nil
}

// VerifyMemberPIN authenticates a member by MSISDN and PIN within a group.
func (s *Service) VerifyMemberPIN(ctx context.Context, groupID snowflake.ID, msisdn, pin string) (*domain.Member, error) {
	normalized, err := normalizeMSISDN(msisdn)
	if err != nil {
		return nil, err
	}

	member, err := s.members.FindOne(ctx,
		option.ApplyOperator(option.Condition{Field: "group_id", Operator: option.EQ, Value: groupID}),
		option.ApplyOperator(option.Condition{Field: "msisdn", Operator: option.EQ, Value: normalized}),
	)
	if err != nil {
		return nil, err
	}
	if member == nil || member.Status != domain.MemberStatusActive {
		return nil, domain.ErrMemberNotFound
	}
	if !password.Verify(pin, member.PINHash) {
		return nil, domain.ErrInvalidPIN
	}
	return member, nil
}

func buildJoinCode(name string, id snowflake.ID) string {
	base := slug.Make(name)
	if len(base) > 24 {
		base = base[:24]
	}
	if base == "" {
		base = "group"
	}
	return fmt.Sprintf("%s-%04d", base, id%10_000)
}

func normalizeMSISDN(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "+")
	if len(trimmed) < 8 || len(trimmed) > 15 {
		return "", domain.ErrInvalidMSISDN
	}
	for _, r := range trimmed {
		if !unicode.IsDigit(r) {
			return "", domain.ErrInvalidMSISDN
		}
	}
	return trimmed, nil
}

func validatePIN(pin string) error {
	if len(pin) < 4 || len(pin) > 8 {
		return domain.ErrInvalidPIN
	}
	for _, r := range pin {
		if !unicode.IsDigit(r) {
			return domain.ErrInvalidPIN
		}
	}
	return nil
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
