package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectGroup        = "group"
	ObjectMember       = "member"
	ObjectContribution = "contribution"
	ObjectCycle        = "cycle"
	ObjectPayout       = "payout"
	ObjectLedger       = "ledger"
	ObjectReceipt      = "receipt"
	ObjectAuditLog     = "audit_log"
	ObjectSession      = "session"
	ObjectPartner      = "partner"
	ObjectRates        = "rates"
)

const (
	ActionGroupView     = "group.view"
	ActionGroupUpdate   = "group.update"
	ActionGroupActivate = "group.activate"
	ActionGroupClose    = "group.close"

	ActionMemberView   = "member.view"
	ActionMemberUpdate = "member.update"
	ActionMemberVerify = "member.verify"
	ActionMemberDepart = "member.depart"

	ActionContributionView     = "contribution.view"
	ActionContributionInitiate = "contribution.initiate"
	ActionContributionSubmit   = "contribution.submit"

	ActionCycleView  = "cycle.view"
	ActionCycleSweep = "cycle.sweep"

	ActionPayoutView     = "payout.view"
	ActionPayoutDispatch = "payout.dispatch"
	ActionPayoutConfirm  = "payout.confirm"
	ActionPayoutRetry    = "payout.retry"

	ActionLedgerView = "ledger.view"

	ActionReceiptView     = "receipt.view"
	ActionReceiptGenerate = "receipt.generate"

	ActionAuditLogView = "audit_log.view"

	ActionSessionRevoke = "session.revoke"

	ActionPartnerView   = "partner.view"
	ActionPartnerRollup = "partner.rollup"

	ActionRatesView    = "rates.view"
	ActionRatesRefresh = "rates.refresh"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, groupID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return ErrInvalidGroup
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorID, err := s.resolveActor(ctx, actor, groupID)
	if err != nil {
		s.auditDenied(ctx, actorType, actorID, groupID, object, action)
		return err
	}

	domain := fmt.Sprintf("group:%s", groupID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorType, actorID, groupID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditGranted(ctx, actorType, actorID, groupID, object, action)
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, groupID string) (string, string, string, *string, error) {
	if actor == "system" {
		roleName := "role:system"
		return actor, roleName, "system", nil, nil
	}
	if strings.HasPrefix(actor, "operator:") {
		// Operators are platform staff provisioned out of band.
		operatorIDRaw := strings.TrimPrefix(actor, "operator:")
		if strings.TrimSpace(operatorIDRaw) == "" {
			return "", "", "", nil, ErrInvalidActor
		}
		roleName := "role:operator"
		return actor, roleName, "operator", &operatorIDRaw, nil
	}
	if strings.HasPrefix(actor, "device:") {
		// Field agent devices replay actions on behalf of members; the
		// devices themselves only hold member-level capability.
		deviceIDRaw := strings.TrimPrefix(actor, "device:")
		if strings.TrimSpace(deviceIDRaw) == "" {
			return "", "", "", nil, ErrInvalidActor
		}
		roleName := "role:member"
		return actor, roleName, "device", &deviceIDRaw, nil
	}
	if strings.HasPrefix(actor, "member:") {
		memberIDRaw := strings.TrimPrefix(actor, "member:")
		memberID, err := snowflake.ParseString(memberIDRaw)
		if err != nil || memberID == 0 {
			return "", "", "", nil, ErrInvalidActor
		}
		parsedGroupID, err := snowflake.ParseString(groupID)
		memberIDStr := memberID.String()
		if err != nil || parsedGroupID == 0 {
			return actor, "", "member", &memberIDStr, ErrInvalidGroup
		}
		role, err := s.roleForMember(ctx, parsedGroupID, memberID)
		if err != nil {
			return actor, "", "member", &memberIDStr, err
		}
		roleName := fmt.Sprintf("role:%s", strings.ToLower(role))
		return actor, roleName, "member", &memberIDStr, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

func (s *ServiceImpl) roleForMember(ctx context.Context, groupID snowflake.ID, memberID snowflake.ID) (string, error) {
	var row struct {
		Role string `gorm:"column:role"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT role
		 FROM group_members
		 WHERE group_id = ? AND id = ? AND status = 'active'
		 LIMIT 1`,
		groupID,
		memberID,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	role := strings.TrimSpace(row.Role)
	if role == "" {
		return "", ErrForbidden
	}
	return role, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorID *string, groupID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	parsedGroupID, err := snowflake.ParseString(groupID)
	if err != nil || parsedGroupID == 0 {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, &parsedGroupID, actorType, actorID, "authorization.denied", "authorization", &targetID, map[string]any{
		"object":   object,
		"action":   action,
		"actor":    actorType,
		"group_id": groupID,
		"subject":  actorSubject(actorType, actorID),
	})
}

func (s *ServiceImpl) auditGranted(ctx context.Context, actorType string, actorID *string, groupID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	parsedGroupID, err := snowflake.ParseString(groupID)
	if err != nil || parsedGroupID == 0 {
		return
	}
	targetID := "capability"
	_ = s.auditSvc.AuditLog(ctx, &parsedGroupID, actorType, actorID, "authorization.granted", "authorization", &targetID, map[string]any{
		"object":   object,
		"action":   action,
		"actor":    actorType,
		"group_id": groupID,
		"subject":  actorSubject(actorType, actorID),
	})
}

func actorSubject(actorType string, actorID *string) string {
	switch actorType {
	case "system":
		return "system"
	case "member", "operator", "device":
		if actorID != nil && strings.TrimSpace(*actorID) != "" {
			return fmt.Sprintf("%s:%s", actorType, strings.TrimSpace(*actorID))
		}
	}
	return ""
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionGroupClose, ActionPayoutRetry, ActionMemberDepart, ActionSessionRevoke:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Member permissions (own-group visibility plus paying in)
		{"role:member", ObjectGroup, ActionGroupView},
		{"role:member", ObjectMember, ActionMemberView},
		{"role:member", ObjectContribution, ActionContributionView},
		{"role:member", ObjectContribution, ActionContributionInitiate},
		{"role:member", ObjectContribution, ActionContributionSubmit},
		{"role:member", ObjectCycle, ActionCycleView},
		{"role:member", ObjectPayout, ActionPayoutView},
		{"role:member", ObjectReceipt, ActionReceiptView},

		// Organizer permissions (roster stewardship on top of member)
		{"role:organizer", ObjectGroup, ActionGroupView},
		{"role:organizer", ObjectGroup, ActionGroupUpdate},
		{"role:organizer", ObjectGroup, ActionGroupActivate},
		{"role:organizer", ObjectGroup, ActionGroupClose},
		{"role:organizer", ObjectMember, ActionMemberView},
		{"role:organizer", ObjectMember, ActionMemberUpdate},
		{"role:organizer", ObjectMember, ActionMemberVerify},
		{"role:organizer", ObjectMember, ActionMemberDepart},
		{"role:organizer", ObjectContribution, ActionContributionView},
		{"role:organizer", ObjectContribution, ActionContributionInitiate},
		{"role:organizer", ObjectContribution, ActionContributionSubmit},
		{"role:organizer", ObjectCycle, ActionCycleView},
		{"role:organizer", ObjectPayout, ActionPayoutView},
		{"role:organizer", ObjectLedger, ActionLedgerView},
		{"role:organizer", ObjectReceipt, ActionReceiptView},
		{"role:organizer", ObjectAuditLog, ActionAuditLogView},
		{"role:organizer", ObjectSession, ActionSessionRevoke},

		// Operator permissions (platform staff, escalation path)
		{"role:operator", ObjectGroup, ActionGroupView},
		{"role:operator", ObjectMember, ActionMemberView},
		{"role:operator", ObjectContribution, ActionContributionView},
		{"role:operator", ObjectCycle, ActionCycleView},
		{"role:operator", ObjectCycle, ActionCycleSweep},
		{"role:operator", ObjectPayout, ActionPayoutView},
		{"role:operator", ObjectPayout, ActionPayoutRetry},
		{"role:operator", ObjectLedger, ActionLedgerView},
		{"role:operator", ObjectAuditLog, ActionAuditLogView},
		{"role:operator", ObjectPartner, ActionPartnerView},
		{"role:operator", ObjectPartner, ActionPartnerRollup},
		{"role:operator", ObjectRates, ActionRatesView},
		{"role:operator", ObjectRates, ActionRatesRefresh},
		{"role:operator", ObjectSession, ActionSessionRevoke},

		// System permissions (scheduler jobs and rail ingestion)
		{"role:system", ObjectContribution, ActionContributionSubmit},
		{"role:system", ObjectCycle, ActionCycleSweep},
		{"role:system", ObjectPayout, ActionPayoutDispatch},
		{"role:system", ObjectPayout, ActionPayoutConfirm},
		{"role:system", ObjectReceipt, ActionReceiptGenerate},
		{"role:system", ObjectPartner, ActionPartnerRollup},
		{"role:system", ObjectRates, ActionRatesRefresh},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
