package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/smallbiznis/tontine/internal/clock"
	contributiondomain "github.com/smallbiznis/tontine/internal/contribution/domain"
	contributionrepo "github.com/smallbiznis/tontine/internal/contribution/repository"
	contributionservice "github.com/smallbiznis/tontine/internal/contribution/service"
	"github.com/smallbiznis/tontine/internal/events"
	eventsdomain "github.com/smallbiznis/tontine/internal/events/domain"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	grouprepo "github.com/smallbiznis/tontine/internal/group/repository"
	ledgerdomain "github.com/smallbiznis/tontine/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/tontine/internal/ledger/service"
	"github.com/smallbiznis/tontine/internal/rail"
	"github.com/smallbiznis/tontine/internal/seed"
	"github.com/smallbiznis/tontine/pkg/db"
)

type harness struct {
	db   *gorm.DB
	node *snowflake.Node
	clk  *clock.FakeClock
	mock *rail.MockRail
	svc  contributiondomain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := dbConn.AutoMigrate(
		&groupdomain.Group{},
		&groupdomain.Member{},
		&contributiondomain.Contribution{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&eventsdomain.EngineEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := seed.EnsureChartOfAccounts(dbConn); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}

	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(dbConn, node, clk)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:     dbConn,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Outbox: outbox,
	})

	mock := rail.NewMockRail()
	svc := contributionservice.NewService(contributionservice.Params{
		DB:      dbConn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    contributionrepo.NewRepository(dbConn),
		Groups:  grouprepo.NewGroupRepository(dbConn),
		Members: grouprepo.NewMemberRepository(dbConn),
		Ledger:  ledgerSvc,
		Outbox:  outbox,
		Rail:    mock,
	})

	return &harness{db: dbConn, node: node, clk: clk, mock: mock, svc: svc}
}

func (h *harness) seedActiveGroup(t *testing.T, amount int64, memberCount int) (*groupdomain.Group, []groupdomain.Member) {
	t.Helper()

	now := h.clk.Now()
	group := groupdomain.Group{
		ID:                 h.node.Generate(),
		Name:               "Test Circle",
		JoinCode:           fmt.Sprintf("test-circle-%d", h.node.Generate()%10000),
		Status:             groupdomain.GroupStatusActive,
		ContributionAmount: amount,
		Currency:           "SATS",
		CycleLengthDays:    30,
		CurrentCycle:       1,
		Metadata:           datatypes.JSONMap{},
		ActivatedAt:        &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.db.Create(&group).Error; err != nil {
		t.Fatalf("seed group: %v", err)
	}

	members := make([]groupdomain.Member, 0, memberCount)
	for i := 0; i < memberCount; i++ {
		role := groupdomain.RoleMember
		if i == 0 {
			role = groupdomain.RoleOrganizer
		}
		member := groupdomain.Member{
			ID:             h.node.Generate(),
			GroupID:        group.ID,
			MSISDN:         fmt.Sprintf("2250700000%03d", i),
			DisplayName:    fmt.Sprintf("Member %d", i+1),
			Role:           role,
			Status:         groupdomain.MemberStatusActive,
			PINHash:        "test-hash",
			PayoutEligible: true,
			JoinOrder:      i + 1,
			JoinedAt:       now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := h.db.Create(&member).Error; err != nil {
			t.Fatalf("seed member %d: %v", i, err)
		}
		members = append(members, member)
	}
	return &group, members
}

func assertCount(t *testing.T, db *gorm.DB, query string, want int64) {
	t.Helper()
	var got int64
	if err := db.Raw(query).Scan(&got).Error; err != nil {
		t.Fatalf("count query %q: %v", query, err)
	}
	if got != want {
		t.Fatalf("query %q: expected %d, got %d", query, want, got)
	}
}

func TestProcessConfirmationRecordsContribution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 1000, 3)

	result, err := h.svc.ProcessConfirmation(ctx, contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-001",
		GroupID:        group.ID,
		CycleNumber:    1,
		MemberID:       members[0].ID,
		Amount:         1000,
		Provider:       "mock",
		SettledAt:      h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("process confirmation: %v", err)
	}
	if result.Outcome != contributiondomain.OutcomeConfirmed {
		t.Fatalf("expected outcome confirmed, got %s (%s)", result.Outcome, result.Reason)
	}
	if result.Contribution == nil || result.Contribution.Status != contributiondomain.ContributionStatusConfirmed {
		t.Fatalf("expected confirmed contribution row, got %+v", result.Contribution)
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM contributions", 1)
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entries", 1)
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entry_lines", 2)
	assertCount(t, h.db, "SELECT COUNT(1) FROM tontine_events WHERE event_type = 'contribution.recorded'", 1)

	var sourceType string
	if err := h.db.Raw("SELECT source_type FROM ledger_entries LIMIT 1").Scan(&sourceType).Error; err != nil {
		t.Fatalf("scan source_type: %v", err)
	}
	if sourceType != string(ledgerdomain.SourceTypeContribution) {
		t.Fatalf("expected source_type %s, got %s", ledgerdomain.SourceTypeContribution, sourceType)
	}
}

func TestProcessConfirmationRedelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 1000, 3)

	req := contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-redelivered",
		GroupID:        group.ID,
		CycleNumber:    1,
		MemberID:       members[0].ID,
		Amount:         1000,
		Provider:       "mock",
		SettledAt:      h.clk.Now(),
	}

	first, err := h.svc.ProcessConfirmation(ctx, req)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Outcome != contributiondomain.OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", first.Outcome)
	}

	for i := 0; i < 3; i++ {
		replay, err := h.svc.ProcessConfirmation(ctx, req)
		if err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
		if replay.Outcome != contributiondomain.OutcomeDuplicate {
			t.Fatalf("redelivery %d: expected duplicate, got %s", i, replay.Outcome)
		}
		if replay.Contribution == nil || replay.Contribution.ID != first.Contribution.ID {
			t.Fatalf("redelivery %d: expected original contribution back", i)
		}
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM contributions", 1)
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entries", 1)
}

func TestProcessConfirmationRedeliveryAfterGroupClosed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 1000, 2)

	req := contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-before-close",
		GroupID:        group.ID,
		CycleNumber:    1,
		MemberID:       members[0].ID,
		Amount:         1000,
		SettledAt:      h.clk.Now(),
	}
	if _, err := h.svc.ProcessConfirmation(ctx, req); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	if err := h.db.Model(&groupdomain.Group{}).
		Where("id = ?", group.ID).
		Update("status", groupdomain.GroupStatusClosed).Error; err != nil {
		t.Fatalf("close group: %v", err)
	}

	// Redelivery of a recorded confirmation must win over the group state
	// check so rail retries stay convergent after closure.
	replay, err := h.svc.ProcessConfirmation(ctx, req)
	if err != nil {
		t.Fatalf("redelivery after close: %v", err)
	}
	if replay.Outcome != contributiondomain.OutcomeDuplicate {
		t.Fatalf("expected duplicate after close, got %s (%s)", replay.Outcome, replay.Reason)
	}
}

func TestProcessConfirmationAmountMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 1000, 3)

	result, err := h.svc.ProcessConfirmation(ctx, contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-short",
		GroupID:        group.ID,
		CycleNumber:    1,
		MemberID:       members[0].ID,
		Amount:         999,
		SettledAt:      h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("process confirmation: %v", err)
	}
	if result.Outcome != contributiondomain.OutcomeRejected {
		t.Fatalf("expected rejected, got %s", result.Outcome)
	}
	if result.Reason != contributiondomain.ReasonAmountMismatch {
		t.Fatalf("expected reason amount_mismatch, got %s", result.Reason)
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM contributions", 0)
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entries", 0)
}

func TestProcessConfirmationUnknownGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedActiveGroup(t, 1000, 2)

	result, err := h.svc.ProcessConfirmation(ctx, contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-no-group",
		GroupID:        h.node.Generate(),
		CycleNumber:    1,
		MemberID:       h.node.Generate(),
		Amount:         1000,
		SettledAt:      h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("process confirmation: %v", err)
	}
	if result.Outcome != contributiondomain.OutcomeRejected || result.Reason != contributiondomain.ReasonGroupNotFound {
		t.Fatalf("expected rejected/group_not_found, got %s/%s", result.Outcome, result.Reason)
	}
}

func TestProcessConfirmationMemberFromAnotherGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, _ := h.seedActiveGroup(t, 1000, 2)
	_, otherMembers := h.seedActiveGroup(t, 1000, 2)

	result, err := h.svc.ProcessConfirmation(ctx, contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-wrong-member",
		GroupID:        group.ID,
		CycleNumber:    1,
		MemberID:       otherMembers[0].ID,
		Amount:         1000,
		SettledAt:      h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("process confirmation: %v", err)
	}
	if result.Outcome != contributiondomain.OutcomeRejected || result.Reason != contributiondomain.ReasonMemberNotInGroup {
		t.Fatalf("expected rejected/member_not_in_group, got %s/%s", result.Outcome, result.Reason)
	}
}

func TestProcessConfirmationStaleCycleConverges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 1000, 3)

	if err := h.db.Model(&groupdomain.Group{}).
		Where("id = ?", group.ID).
		Update("current_cycle", 3).Error; err != nil {
		t.Fatalf("advance cycle: %v", err)
	}

	req := contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-late",
		GroupID:        group.ID,
		CycleNumber:    2,
		MemberID:       members[1].ID,
		Amount:         1000,
		SettledAt:      h.clk.Now(),
	}
	for i := 0; i < 2; i++ {
		result, err := h.svc.ProcessConfirmation(ctx, req)
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if result.Outcome != contributiondomain.OutcomeStale {
			t.Fatalf("delivery %d: expected stale, got %s", i, result.Outcome)
		}
		if result.Reason != contributiondomain.ReasonStaleCycle {
			t.Fatalf("delivery %d: expected reason stale_cycle, got %s", i, result.Reason)
		}
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM contributions", 0)
}

func TestProcessConfirmationFutureCycleRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 1000, 2)

	result, err := h.svc.ProcessConfirmation(ctx, contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-future",
		GroupID:        group.ID,
		CycleNumber:    5,
		MemberID:       members[0].ID,
		Amount:         1000,
		SettledAt:      h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("process confirmation: %v", err)
	}
	if result.Outcome != contributiondomain.OutcomeRejected || result.Reason != contributiondomain.ReasonInvalidCycle {
		t.Fatalf("expected rejected/invalid_cycle, got %s/%s", result.Outcome, result.Reason)
	}
}

func TestSubmitDirectTargetsCurrentCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 500, 3)

	req := contributiondomain.DirectSubmitRequest{
		ClientKey: "client-abc",
		GroupID:   group.ID,
		MemberID:  members[2].ID,
		Amount:    500,
	}
	first, err := h.svc.SubmitDirect(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Outcome != contributiondomain.OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", first.Outcome, first.Reason)
	}
	if first.Contribution.CycleNumber != 1 {
		t.Fatalf("expected slot on cycle 1, got %d", first.Contribution.CycleNumber)
	}
	if first.Contribution.Source != contributiondomain.SourceDirect {
		t.Fatalf("expected source direct, got %s", first.Contribution.Source)
	}

	replay, err := h.svc.SubmitDirect(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Outcome != contributiondomain.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", replay.Outcome)
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM contributions", 1)
}

func TestSubmitDirectSlotConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 500, 2)

	first, err := h.svc.SubmitDirect(ctx, contributiondomain.DirectSubmitRequest{
		ClientKey: "client-key-a",
		GroupID:   group.ID,
		MemberID:  members[0].ID,
		Amount:    500,
	})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Outcome != contributiondomain.OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", first.Outcome)
	}

	// A second payment for an already confirmed slot converges as a
	// duplicate but flags the conflict for operator reconciliation.
	second, err := h.svc.SubmitDirect(ctx, contributiondomain.DirectSubmitRequest{
		ClientKey: "client-key-b",
		GroupID:   group.ID,
		MemberID:  members[0].ID,
		Amount:    500,
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Outcome != contributiondomain.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", second.Outcome)
	}
	if second.Reason != contributiondomain.ReasonSlotConflict {
		t.Fatalf("expected reason slot_conflict, got %q", second.Reason)
	}
	if second.Contribution.ID != first.Contribution.ID {
		t.Fatalf("expected the original slot back")
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM contributions", 1)
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entries", 1)
}

func TestInitiateThenConfirmClaimsSameSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	group, members := h.seedActiveGroup(t, 2000, 3)

	initiated, err := h.svc.Initiate(ctx, contributiondomain.InitiateRequest{
		GroupID:  group.ID,
		MemberID: members[0].ID,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if initiated.InvoiceID == "" || initiated.PayRef == "" {
		t.Fatalf("expected invoice and pay ref, got %+v", initiated)
	}
	if initiated.Contribution.Status != contributiondomain.ContributionStatusPending {
		t.Fatalf("expected pending slot, got %s", initiated.Contribution.Status)
	}

	// Initiating again must reuse the same invoice, not stack a new one.
	again, err := h.svc.Initiate(ctx, contributiondomain.InitiateRequest{
		GroupID:  group.ID,
		MemberID: members[0].ID,
	})
	if err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
	if again.InvoiceID != initiated.InvoiceID {
		t.Fatalf("expected invoice %s reused, got %s", initiated.InvoiceID, again.InvoiceID)
	}
	assertCount(t, h.db, "SELECT COUNT(1) FROM contributions", 1)

	confirmed, err := h.svc.ProcessConfirmation(ctx, contributiondomain.ConfirmationRequest{
		ConfirmationID: "conf-invoice-paid",
		GroupID:        group.ID,
		CycleNumber:    1,
		MemberID:       members[0].ID,
		Amount:         2000,
		Provider:       "mock",
		SettledAt:      h.clk.Now(),
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Outcome != contributiondomain.OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", confirmed.Outcome, confirmed.Reason)
	}
	if confirmed.Contribution.ID != initiated.Contribution.ID {
		t.Fatalf("expected confirmation to claim the initiated slot")
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM contributions", 1)
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entries", 1)

	// Initiate after confirmation returns the settled slot without a new
	// invoice to pay.
	settled, err := h.svc.Initiate(ctx, contributiondomain.InitiateRequest{
		GroupID:  group.ID,
		MemberID: members[0].ID,
	})
	if err != nil {
		t.Fatalf("initiate after confirm: %v", err)
	}
	if settled.PayRef != "" {
		t.Fatalf("expected no pay ref for settled slot, got %s", settled.PayRef)
	}
	if settled.Contribution.Status != contributiondomain.ContributionStatusConfirmed {
		t.Fatalf("expected confirmed slot, got %s", settled.Contribution.Status)
	}
}
