package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/tontine/internal/clock"
	ledgerdomain "github.com/smallbiznis/tontine/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/tontine/internal/ledger/service"
	"github.com/smallbiznis/tontine/internal/seed"
	"github.com/smallbiznis/tontine/pkg/db"
)

type harness struct {
	db   *gorm.DB
	node *snowflake.Node
	svc  ledgerdomain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := dbConn.AutoMigrate(
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := seed.EnsureChartOfAccounts(dbConn); err != nil {
		t.Fatalf("seed accounts: %v", err)
	}

	node, err := snowflake.NewNode(8)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2025, 4, 18, 12, 0, 0, 0, time.UTC))

	svc := ledgerservice.NewService(ledgerservice.Params{
		DB:    dbConn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})

	return &harness{db: dbConn, node: node, svc: svc}
}

func (h *harness) account(t *testing.T, code ledgerdomain.LedgerAccountCode) *ledgerdomain.LedgerAccount {
	t.Helper()
	account, err := h.svc.AccountByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("account %s: %v", code, err)
	}
	return account
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

func TestCreateEntryPostsBalancedLines(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	memberFunds := h.account(t, ledgerdomain.AccountCodeMemberFunds)
	groupPool := h.account(t, ledgerdomain.AccountCodeGroupPool)

	groupID := h.node.Generate()
	sourceID := h.node.Generate()
	occurred := time.Date(2025, 4, 18, 11, 59, 0, 0, time.UTC)

	lines := []ledgerdomain.LedgerEntryLine{
		{AccountID: memberFunds.ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: 1000},
		{AccountID: groupPool.ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: 1000},
	}
	if err := h.svc.CreateEntry(ctx, nil, groupID, ledgerdomain.SourceTypeContribution, sourceID, "SATS", occurred, lines); err != nil {
		t.Fatalf("create entry: %v", err)
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entries", 1)
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entry_lines", 2)

	// Re-posting the same source is absorbed without duplicating lines.
	if err := h.svc.CreateEntry(ctx, nil, groupID, ledgerdomain.SourceTypeContribution, sourceID, "SATS", occurred, lines); err != nil {
		t.Fatalf("replay entry: %v", err)
	}
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entries", 1)
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entry_lines", 2)
}

func TestCreateEntryRejectsUnbalancedLines(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	memberFunds := h.account(t, ledgerdomain.AccountCodeMemberFunds)
	groupPool := h.account(t, ledgerdomain.AccountCodeGroupPool)
	groupID := h.node.Generate()
	occurred := time.Date(2025, 4, 18, 11, 59, 0, 0, time.UTC)

	err := h.svc.CreateEntry(ctx, nil, groupID, ledgerdomain.SourceTypePayout, h.node.Generate(), "SATS", occurred, []ledgerdomain.LedgerEntryLine{
		{AccountID: memberFunds.ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: 1000},
		{AccountID: groupPool.ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: 990},
	})
	if err != ledgerdomain.ErrUnbalancedEntry {
		t.Fatalf("expected unbalanced rejection, got %v", err)
	}

	err = h.svc.CreateEntry(ctx, nil, groupID, ledgerdomain.SourceTypePayout, h.node.Generate(), "SATS", occurred, []ledgerdomain.LedgerEntryLine{
		{AccountID: memberFunds.ID, Direction: "sideways", Amount: 500},
		{AccountID: groupPool.ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: 500},
	})
	if err != ledgerdomain.ErrInvalidLineDirection {
		t.Fatalf("expected direction rejection, got %v", err)
	}

	err = h.svc.CreateEntry(ctx, nil, groupID, ledgerdomain.SourceTypePayout, h.node.Generate(), "SATS", occurred, []ledgerdomain.LedgerEntryLine{
		{AccountID: memberFunds.ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: 500},
	})
	if err != ledgerdomain.ErrInvalidEntryLines {
		t.Fatalf("expected single-line rejection, got %v", err)
	}

	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entries", 0)
}

func TestCreateEntryDropsZeroAmountLines(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	groupPool := h.account(t, ledgerdomain.AccountCodeGroupPool)
	clearing := h.account(t, ledgerdomain.AccountCodePayoutClearing)
	partner := h.account(t, ledgerdomain.AccountCodePartnerPayable)

	groupID := h.node.Generate()
	occurred := time.Date(2025, 4, 18, 11, 59, 0, 0, time.UTC)

	// A zero partner leg balances trivially and is not stored.
	err := h.svc.CreateEntry(ctx, nil, groupID, ledgerdomain.SourceTypePayout, h.node.Generate(), "SATS", occurred, []ledgerdomain.LedgerEntryLine{
		{AccountID: groupPool.ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: 3000},
		{AccountID: clearing.ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: 3000},
		{AccountID: partner.ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: 0},
		{AccountID: partner.ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: 0},
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	assertCount(t, h.db, "SELECT COUNT(1) FROM ledger_entry_lines", 2)
}

func TestBalancesAggregatePerGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	memberFunds := h.account(t, ledgerdomain.AccountCodeMemberFunds)
	groupPool := h.account(t, ledgerdomain.AccountCodeGroupPool)

	groupA := h.node.Generate()
	groupB := h.node.Generate()
	occurred := time.Date(2025, 4, 18, 11, 59, 0, 0, time.UTC)

	post := func(groupID snowflake.ID, amount int64) {
		t.Helper()
		err := h.svc.CreateEntry(ctx, nil, groupID, ledgerdomain.SourceTypeContribution, h.node.Generate(), "SATS", occurred, []ledgerdomain.LedgerEntryLine{
			{AccountID: memberFunds.ID, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: amount},
			{AccountID: groupPool.ID, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: amount},
		})
		if err != nil {
			t.Fatalf("post %d for group %d: %v", amount, groupID, err)
		}
	}
	post(groupA, 1000)
	post(groupA, 1000)
	post(groupB, 700)

	find := func(balances []ledgerdomain.AccountBalance, code ledgerdomain.LedgerAccountCode) ledgerdomain.AccountBalance {
		t.Helper()
		for _, b := range balances {
			if b.Code == code {
				return b
			}
		}
		t.Fatalf("account %s missing from balances", code)
		return ledgerdomain.AccountBalance{}
	}

	all, err := h.svc.Balances(ctx, 0)
	if err != nil {
		t.Fatalf("platform balances: %v", err)
	}
	if got := find(all, ledgerdomain.AccountCodeMemberFunds); got.Net != 2700 || got.Debits != 2700 {
		t.Fatalf("platform member_funds: %+v", got)
	}
	if got := find(all, ledgerdomain.AccountCodeGroupPool); got.Net != 2700 || got.Credits != 2700 {
		t.Fatalf("platform group_pool: %+v", got)
	}

	scoped, err := h.svc.Balances(ctx, groupB)
	if err != nil {
		t.Fatalf("group balances: %v", err)
	}
	if got := find(scoped, ledgerdomain.AccountCodeMemberFunds); got.Net != 700 {
		t.Fatalf("group member_funds: %+v", got)
	}
	// Untouched accounts still report, at zero.
	if got := find(scoped, ledgerdomain.AccountCodePlatformRevenue); got.Net != 0 {
		t.Fatalf("group platform_revenue: %+v", got)
	}
}

func TestAccountByCodeUnknown(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.AccountByCode(context.Background(), "petty_cash"); err != ledgerdomain.ErrUnknownAccountCode {
		t.Fatalf("expected unknown account error, got %v", err)
	}
}
