package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	agentclient "github.com/smallbiznis/tontine/internal/agent/client"
	agentdomain "github.com/smallbiznis/tontine/internal/agent/domain"
	agentrepo "github.com/smallbiznis/tontine/internal/agent/repository"
	agentservice "github.com/smallbiznis/tontine/internal/agent/service"
	"github.com/smallbiznis/tontine/internal/audit"
	"github.com/smallbiznis/tontine/internal/authorization"
	"github.com/smallbiznis/tontine/internal/clock"
	"github.com/smallbiznis/tontine/internal/cloudmetrics"
	"github.com/smallbiznis/tontine/internal/config"
	"github.com/smallbiznis/tontine/internal/contribution"
	"github.com/smallbiznis/tontine/internal/cycle"
	cycledomain "github.com/smallbiznis/tontine/internal/cycle/domain"
	"github.com/smallbiznis/tontine/internal/events"
	"github.com/smallbiznis/tontine/internal/fee"
	"github.com/smallbiznis/tontine/internal/group"
	"github.com/smallbiznis/tontine/internal/ledger"
	"github.com/smallbiznis/tontine/internal/migration"
	"github.com/smallbiznis/tontine/internal/observability"
	"github.com/smallbiznis/tontine/internal/operator"
	"github.com/smallbiznis/tontine/internal/partner"
	"github.com/smallbiznis/tontine/internal/payout"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	pdfprovider "github.com/smallbiznis/tontine/internal/providers/pdf"
	"github.com/smallbiznis/tontine/internal/rail"
	"github.com/smallbiznis/tontine/internal/ratelimit"
	"github.com/smallbiznis/tontine/internal/rates"
	"github.com/smallbiznis/tontine/internal/receipt"
	"github.com/smallbiznis/tontine/internal/scheduler"
	"github.com/smallbiznis/tontine/internal/seed"
	"github.com/smallbiznis/tontine/internal/server"
	"github.com/smallbiznis/tontine/internal/session"
	"github.com/smallbiznis/tontine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	e2eRailSecret  = "e2e-rail-secret"
	e2eOperatorKey = "e2e-operator-root-key"
)

type testEnv struct {
	app       *fx.App
	server    *server.Server
	db        *gorm.DB
	baseURL   string
	rail      *rail.MockRail
	cycles    cycledomain.Service
	payouts   payoutdomain.Service
	scheduler *scheduler.Scheduler
	httpSrv   *httptest.Server
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resetDatabase(t, env.db)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

// TestE2E_FirstCycleCompletesAndRotates walks a three-member group through
// its first full cycle: one contribution arrives through the offline device
// queue, two through the online API, the completed cycle pays its winner
// through the rail, and the group rotates to cycle two.
func TestE2E_FirstCycleCompletesAndRotates(t *testing.T) {
	resetDatabase(t, env.db)
	ctx := context.Background()

	fixture := createActiveGroup(t)

	// Member A is offline: the contribution is queued on the device and
	// reaches the platform on the next drain pass.
	queue := newAgentQueue(t)
	action := queue.enqueue(t, fixture.GroupID, fixture.Organizer, fixture.Amount)
	queue.engine.DrainOnce(ctx)

	action = queue.reload(t, action.ID)
	if action.Status != agentdomain.ActionStatusConfirmed {
		t.Fatalf("expected queued action confirmed, got %s (%s)", action.Status, action.LastError)
	}
	if action.Outcome != "confirmed" {
		t.Fatalf("expected action outcome confirmed, got %s", action.Outcome)
	}
	if got := countRows(t, env.db, "contributions", "group_id = ? AND member_id = ? AND status = ?", fixture.GroupID, fixture.Organizer.MemberID, "confirmed"); got != 1 {
		t.Fatalf("expected one confirmed contribution for the offline member, got %d", got)
	}

	// B and C are online.
	if status, _ := submitContribution(t, fixture.MemberB, fixture.Amount, 0, "e2e-key-b-1"); status != "confirmed" {
		t.Fatalf("expected B's submission confirmed, got %s", status)
	}
	if status, _ := submitContribution(t, fixture.MemberC, fixture.Amount, 0, "e2e-key-c-1"); status != "confirmed" {
		t.Fatalf("expected C's submission confirmed, got %s", status)
	}

	// The intake trigger races this explicit evaluation; the payout row's
	// unique (group, cycle) key means exactly one completion lands.
	if _, err := env.cycles.EvaluateCycle(ctx, fixture.GroupID, 1); err != nil {
		t.Fatalf("evaluate cycle: %v", err)
	}
	if got := countRows(t, env.db, "payouts", "group_id = ?", fixture.GroupID); got != 1 {
		t.Fatalf("expected exactly one payout after completion, got %d", got)
	}

	p := loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusPending {
		t.Fatalf("expected payout pending before dispatch, got %s", p.Status)
	}
	if p.GrossAmount != 3*fixture.Amount {
		t.Fatalf("expected gross %d, got %d", 3*fixture.Amount, p.GrossAmount)
	}
	if p.FeeAmount <= 0 || p.FeeAmount+p.NetAmount != p.GrossAmount {
		t.Fatalf("fee %d and net %d do not reconcile against gross %d", p.FeeAmount, p.NetAmount, p.GrossAmount)
	}
	if p.RequestKey != payoutdomain.BuildRequestKey(fixture.GroupID, 1) {
		t.Fatalf("unexpected payout request key %s", p.RequestKey)
	}
	roster := map[snowflake.ID]bool{
		fixture.Organizer.MemberID: true,
		fixture.MemberB.MemberID:   true,
		fixture.MemberC.MemberID:   true,
	}
	if !roster[p.WinnerMemberID] {
		t.Fatalf("winner %s is not a roster member", p.WinnerMemberID)
	}

	// Dispatch submits the payout to the rail and leaves it processing
	// until the rail's own confirmation arrives.
	if err := env.scheduler.PayoutDispatchJob(ctx); err != nil {
		t.Fatalf("payout dispatch: %v", err)
	}
	p = loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusProcessing {
		t.Fatalf("expected payout processing after dispatch, got %s", p.Status)
	}
	if p.RailRef == "" || p.SubmittedAt == nil {
		t.Fatalf("expected rail ref and submission time on dispatched payout")
	}

	submitted := env.rail.SubmittedPayouts()
	if len(submitted) != 1 {
		t.Fatalf("expected one rail submission, got %d", len(submitted))
	}
	if submitted[0].IdempotencyKey != p.RequestKey {
		t.Fatalf("rail submission used key %s, want %s", submitted[0].IdempotencyKey, p.RequestKey)
	}
	if submitted[0].Amount != p.NetAmount {
		t.Fatalf("rail submission amount %d, want net %d", submitted[0].Amount, p.NetAmount)
	}

	// The rail confirms asynchronously through the shared webhook.
	confirmation := map[string]any{
		"type":        "payout.confirmed",
		"provider":    "mock",
		"request_key": p.RequestKey,
		"rail_ref":    p.RailRef,
		"occurred_at": time.Now().UTC(),
	}
	if status, body := postRailEvent(t, confirmation); status != http.StatusOK {
		t.Fatalf("payout confirmation webhook failed: %d: %s", status, string(body))
	}

	p = loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusConfirmed || p.ConfirmedAt == nil {
		t.Fatalf("expected payout confirmed, got %s", p.Status)
	}

	// Rotation: cycle two opens with everyone owing again and the winner
	// out of the eligible pool.
	summary := getGroupStatus(t, fixture.GroupID, fixture.Organizer)
	if summary.CurrentCycle != 2 {
		t.Fatalf("expected current cycle 2 after payout, got %d", summary.CurrentCycle)
	}
	if len(summary.MembersPending) != 3 || len(summary.MembersPaid) != 0 {
		t.Fatalf("expected a fresh cycle with 3 pending members, got %d pending / %d paid",
			len(summary.MembersPending), len(summary.MembersPaid))
	}
	if summary.CollectedTotal != 0 {
		t.Fatalf("expected empty pot in cycle 2, got %d", summary.CollectedTotal)
	}
	if summary.LastPayout == nil || summary.LastPayout.CycleNumber != 1 {
		t.Fatalf("expected last payout to reference cycle 1")
	}

	var winnerEligible bool
	if err := env.db.Raw(
		`SELECT payout_eligible FROM group_members WHERE id = ?`,
		p.WinnerMemberID,
	).Scan(&winnerEligible).Error; err != nil {
		t.Fatalf("query winner eligibility: %v", err)
	}
	if winnerEligible {
		t.Fatalf("expected winner excluded from the next draws")
	}

	// Rails redeliver until acknowledged; a replay changes nothing.
	if status, body := postRailEvent(t, confirmation); status != http.StatusOK {
		t.Fatalf("payout confirmation replay failed: %d: %s", status, string(body))
	}
	p = loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusConfirmed {
		t.Fatalf("replay moved payout to %s", p.Status)
	}
	if got := getGroupStatus(t, fixture.GroupID, fixture.Organizer); got.CurrentCycle != 2 {
		t.Fatalf("replay advanced the cycle to %d", got.CurrentCycle)
	}

	assertLedgerBalanced(t)

	// The receipt is served once the payout is confirmed.
	receiptURL := fmt.Sprintf("%s/v1/payouts/%s/receipt", env.baseURL, p.ID)
	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, receiptURL, nil, map[string]string{
		server.HeaderSessionToken: fixture.Organizer.Token,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("receipt download failed: %d: %s", resp.StatusCode, string(body))
	}
	if !bytes.HasPrefix(body, []byte("%PDF")) {
		t.Fatalf("expected a PDF receipt")
	}
}

func TestE2E_GroupStatusTracksReconciliation(t *testing.T) {
	resetDatabase(t, env.db)

	fixture := createActiveGroup(t)

	summary := getGroupStatus(t, fixture.GroupID, fixture.Organizer)
	if summary.CurrentCycle != 1 || len(summary.MembersPending) != 3 {
		t.Fatalf("expected a fresh cycle with 3 pending members")
	}
	if summary.ExpectedAmount != fixture.Amount {
		t.Fatalf("expected per-member amount %d, got %d", fixture.Amount, summary.ExpectedAmount)
	}

	if status, _ := submitContribution(t, fixture.MemberB, fixture.Amount, 0, "e2e-key-status-b"); status != "confirmed" {
		t.Fatalf("expected B's submission confirmed, got %s", status)
	}

	summary = getGroupStatus(t, fixture.GroupID, fixture.Organizer)
	if len(summary.MembersPaid) != 1 || len(summary.MembersPending) != 2 {
		t.Fatalf("expected 1 paid / 2 pending, got %d / %d", len(summary.MembersPaid), len(summary.MembersPending))
	}
	if summary.MembersPaid[0].MemberID != fixture.MemberB.MemberID {
		t.Fatalf("expected B listed as paid")
	}
	if summary.CollectedTotal != fixture.Amount {
		t.Fatalf("expected collected total %d, got %d", fixture.Amount, summary.CollectedTotal)
	}
}

func TestE2E_SessionLifecycleAndScopes(t *testing.T) {
	resetDatabase(t, env.db)

	fixture := createActiveGroup(t)
	statusURL := fmt.Sprintf("%s/v1/groups/%s/status", env.baseURL, fixture.GroupID)

	// No token.
	resp, _ := doJSON(t, newHTTPClient(), http.MethodGet, statusURL, nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", resp.StatusCode)
	}

	// A plain member may look but not manage.
	closeURL := fmt.Sprintf("%s/v1/groups/%s/close", env.baseURL, fixture.GroupID)
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, closeURL, nil, map[string]string{
		server.HeaderSessionToken: fixture.MemberB.Token,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for member close, got %d: %s", resp.StatusCode, string(body))
	}

	// Revocation kills the token immediately.
	resp, body = doJSON(t, newHTTPClient(), http.MethodDelete, env.baseURL+"/v1/sessions/current", nil, map[string]string{
		server.HeaderSessionToken: fixture.MemberB.Token,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on revoke, got %d: %s", resp.StatusCode, string(body))
	}
	resp, _ = doJSON(t, newHTTPClient(), http.MethodGet, statusURL, nil, map[string]string{
		server.HeaderSessionToken: fixture.MemberB.Token,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revoke, got %d", resp.StatusCode)
	}
}

type memberSession struct {
	MemberID snowflake.ID
	MSISDN   string
	PIN      string
	Token    string
}

type groupFixture struct {
	GroupID  snowflake.ID
	JoinCode string
	Amount   int64

	Organizer memberSession
	MemberB   memberSession
	MemberC   memberSession
}

// createActiveGroup provisions the canonical three-member fixture: Awa
// organizes, Bintou and Coumba join, the roster freezes on activation.
func createActiveGroup(t *testing.T) *groupFixture {
	t.Helper()

	const amount = int64(5000)
	fixture := &groupFixture{
		Amount:    amount,
		Organizer: memberSession{MSISDN: "+221770000001", PIN: "1924"},
		MemberB:   memberSession{MSISDN: "+221770000002", PIN: "2563"},
		MemberC:   memberSession{MSISDN: "+221770000003", PIN: "3791"},
	}

	createReq := map[string]any{
		"name":                "Caisse du Dimanche",
		"contribution_amount": amount,
		"currency":            "sats",
		"cycle_length_days":   7,
		"organizer_name":      "Awa",
		"organizer_msisdn":    fixture.Organizer.MSISDN,
		"organizer_pin":       fixture.Organizer.PIN,
	}
	var createResp struct {
		Group struct {
			ID       snowflake.ID `json:"id"`
			JoinCode string       `json:"join_code"`
			Status   string       `json:"status"`
		} `json:"group"`
	}
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/groups", createReq, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group failed: %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &createResp); err != nil {
		t.Fatalf("decode group response: %v", err)
	}
	fixture.GroupID = createResp.Group.ID
	fixture.JoinCode = createResp.Group.JoinCode
	if fixture.GroupID == 0 || fixture.JoinCode == "" {
		t.Fatalf("incomplete group response: %s", string(body))
	}

	joinMember(t, fixture, &fixture.MemberB, "Bintou")
	joinMember(t, fixture, &fixture.MemberC, "Coumba")

	fixture.Organizer.Token, fixture.Organizer.MemberID = login(t, fixture.GroupID, fixture.Organizer, "device-awa")
	fixture.MemberB.Token, fixture.MemberB.MemberID = login(t, fixture.GroupID, fixture.MemberB, "device-bintou")
	fixture.MemberC.Token, fixture.MemberC.MemberID = login(t, fixture.GroupID, fixture.MemberC, "device-coumba")

	activateURL := fmt.Sprintf("%s/v1/groups/%s/activate", env.baseURL, fixture.GroupID)
	resp, body = doJSON(t, newHTTPClient(), http.MethodPost, activateURL, nil, map[string]string{
		server.HeaderSessionToken: fixture.Organizer.Token,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate group failed: %d: %s", resp.StatusCode, string(body))
	}

	return fixture
}

func joinMember(t *testing.T, fixture *groupFixture, member *memberSession, name string) {
	t.Helper()

	joinReq := map[string]any{
		"join_code":    fixture.JoinCode,
		"display_name": name,
		"msisdn":       member.MSISDN,
		"pin":          member.PIN,
	}
	var joinResp struct {
		Member struct {
			ID snowflake.ID `json:"id"`
		} `json:"member"`
	}
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/groups/join", joinReq, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join group failed for %s: %d: %s", name, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &joinResp); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	member.MemberID = joinResp.Member.ID
}

func login(t *testing.T, groupID snowflake.ID, member memberSession, deviceID string) (string, snowflake.ID) {
	t.Helper()

	loginReq := map[string]any{
		"group_id":  groupID.String(),
		"msisdn":    member.MSISDN,
		"pin":       member.PIN,
		"device_id": deviceID,
	}
	var loginResp struct {
		Token    string       `json:"token"`
		MemberID snowflake.ID `json:"member_id"`
	}
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/sessions", loginReq, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("login failed for %s: %d: %s", member.MSISDN, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if loginResp.Token == "" || loginResp.MemberID == 0 {
		t.Fatalf("incomplete login response: %s", string(body))
	}
	return loginResp.Token, loginResp.MemberID
}

// submitContribution posts one online contribution under the member's
// session and returns the intake verdict.
func submitContribution(t *testing.T, member memberSession, amount int64, cycleNumber int, key string) (string, string) {
	t.Helper()

	req := map[string]any{"amount": amount}
	if cycleNumber > 0 {
		req["cycle_number"] = cycleNumber
	}
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/contributions", req, map[string]string{
		server.HeaderSessionToken:   member.Token,
		server.HeaderIdempotencyKey: key,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("contribution intake failed: %d: %s", resp.StatusCode, string(body))
	}

	var verdict struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &verdict); err != nil {
		t.Fatalf("decode intake response: %v", err)
	}
	return verdict.Status, verdict.Reason
}

func postRailEvent(t *testing.T, payload map[string]any) (int, []byte) {
	t.Helper()
	resp, body := doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/rail/confirmations", payload, map[string]string{
		server.HeaderRailSecret: e2eRailSecret,
	})
	return resp.StatusCode, body
}

type groupStatusView struct {
	CurrentCycle   int `json:"current_cycle"`
	MembersPaid    []struct {
		MemberID snowflake.ID `json:"member_id"`
	} `json:"members_paid"`
	MembersPending []struct {
		MemberID snowflake.ID `json:"member_id"`
	} `json:"members_pending"`
	ExpectedAmount int64 `json:"expected_amount"`
	CollectedTotal int64 `json:"collected_total"`
	LastPayout     *struct {
		CycleNumber int    `json:"cycle_number"`
		Status      string `json:"status"`
	} `json:"last_payout"`
}

func getGroupStatus(t *testing.T, groupID snowflake.ID, member memberSession) groupStatusView {
	t.Helper()

	statusURL := fmt.Sprintf("%s/v1/groups/%s/status", env.baseURL, groupID)
	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, statusURL, nil, map[string]string{
		server.HeaderSessionToken: member.Token,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("group status failed: %d: %s", resp.StatusCode, string(body))
	}

	var view groupStatusView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode group status: %v", err)
	}
	return view
}

func loadPayout(t *testing.T, groupID snowflake.ID, cycleNumber int) *payoutdomain.Payout {
	t.Helper()

	var p payoutdomain.Payout
	err := env.db.Table("payouts").
		Where("group_id = ? AND cycle_number = ?", groupID, cycleNumber).
		First(&p).Error
	if err != nil {
		t.Fatalf("load payout for cycle %d: %v", cycleNumber, err)
	}
	return &p
}

func assertLedgerBalanced(t *testing.T) {
	t.Helper()

	var imbalance int64
	err := env.db.Raw(
		`SELECT COALESCE(SUM(CASE WHEN direction = 'debit' THEN amount ELSE -amount END), 0)
		 FROM ledger_entry_lines`,
	).Scan(&imbalance).Error
	if err != nil {
		t.Fatalf("sum ledger lines: %v", err)
	}
	if imbalance != 0 {
		t.Fatalf("ledger out of balance by %d", imbalance)
	}
}

// agentQueue is a device-side queue wired against the test server, the way
// the field agent binary runs it.
type agentQueue struct {
	repo   agentdomain.Repository
	svc    agentdomain.Service
	engine *agentservice.SyncEngine
}

func newAgentQueue(t *testing.T) *agentQueue {
	t.Helper()

	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open agent queue db: %v", err)
	}
	if err := conn.AutoMigrate(&agentdomain.PendingAction{}); err != nil {
		t.Fatalf("migrate agent queue: %v", err)
	}

	clk := clock.NewSystemClock()
	repo := agentrepo.NewRepository(conn)
	engine := agentservice.NewSyncEngine(zap.NewNop(), clk, repo, agentclient.NewHTTPClient(env.baseURL))
	svc := agentservice.NewService(agentservice.Params{
		Config: config.Config{},
		Log:    zap.NewNop(),
		Clock:  clk,
		Repo:   repo,
		Engine: engine,
	})
	return &agentQueue{repo: repo, svc: svc, engine: engine}
}

func (q *agentQueue) enqueue(t *testing.T, groupID snowflake.ID, member memberSession, amount int64) *agentdomain.PendingAction {
	t.Helper()

	action, err := q.svc.Enqueue(context.Background(), agentdomain.EnqueueRequest{
		GroupID:      groupID,
		MemberID:     member.MemberID,
		Amount:       amount,
		SessionToken: member.Token,
	})
	if err != nil {
		t.Fatalf("enqueue offline contribution: %v", err)
	}
	return action
}

func (q *agentQueue) reload(t *testing.T, id string) *agentdomain.PendingAction {
	t.Helper()

	action, err := q.repo.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload action %s: %v", id, err)
	}
	if action == nil {
		t.Fatalf("action %s disappeared", id)
	}
	return action
}

func startEnv() (*testEnv, error) {
	var (
		srv         *server.Server
		dbConn      *gorm.DB
		cfg         config.Config
		mockRail    *rail.MockRail
		cycleSvc    cycledomain.Service
		payoutSvc   payoutdomain.Service
		schedulerSv *scheduler.Scheduler
	)

	app := fx.New(
		observability.Module,
		config.Module,
		clock.Module,
		fx.Provide(newTestDB),
		migration.Module,
		cloudmetrics.Module,
		authorization.Module,
		audit.Module,
		events.Module,
		session.Module,
		operator.Module,
		group.Module,
		contribution.Module,
		cycle.Module,
		payout.Module,
		fee.Module,
		ledger.Module,
		partner.Module,
		rates.Module,
		rail.Module,
		pdfprovider.Module,
		receipt.Module,
		ratelimit.Module,
		fx.Provide(scheduler.New),
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &cfg, &mockRail, &cycleSvc, &payoutSvc, &schedulerSv),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	if strings.ToLower(strings.TrimSpace(cfg.DBType)) != "sqlite" {
		app.Stop(context.Background())
		return nil, fmt.Errorf("expected sqlite db, got %s", cfg.DBType)
	}

	httpSrv := httptest.NewServer(srv.Engine())

	return &testEnv{
		app:       app,
		server:    srv,
		db:        dbConn,
		baseURL:   httpSrv.URL,
		rail:      mockRail,
		cycles:    cycleSvc,
		payouts:   payoutSvc,
		scheduler: schedulerSv,
		httpSrv:   httpSrv,
	}, nil
}

// newTestDB swaps the configured database for an isolated in-memory one;
// the migration module still runs its schema sync against it.
func newTestDB() (*gorm.DB, error) {
	return db.NewTest()
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("APP_MODE", "oss")
	setEnvIfEmpty("DATABASE_TYPE", "sqlite")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("RAIL_PROVIDER", "mock")
	setEnvIfEmpty("RAIL_WEBHOOK_SECRET", e2eRailSecret)
	setEnvIfEmpty("OPERATOR_BOOTSTRAP_KEY", e2eOperatorKey)
	setEnvIfEmpty("RATE_LIMIT_ENABLED", "false")
	setEnvIfEmpty("CLOUD_METRICS_ENABLED", "false")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	if err := clearAllTables(dbConn); err != nil {
		t.Fatalf("clear tables: %v", err)
	}
	if err := seed.EnsureChartOfAccounts(dbConn); err != nil {
		t.Fatalf("seed chart of accounts: %v", err)
	}
	if err := seed.EnsureBootstrapOperatorKey(dbConn, e2eOperatorKey); err != nil {
		t.Fatalf("seed operator key: %v", err)
	}
	env.rail.Reset()
}

func clearAllTables(dbConn *gorm.DB) error {
	type tableRow struct {
		Name string `gorm:"column:name"`
	}
	var rows []tableRow
	if err := dbConn.Raw(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	).Scan(&rows).Error; err != nil {
		return err
	}

	for _, row := range rows {
		name := strings.TrimSpace(row.Name)
		if name == "" {
			continue
		}
		// Capability policies are seeded once at startup and live in the
		// enforcer; leave its storage alone.
		if name == "casbin_rule" {
			continue
		}
		if err := dbConn.Exec(`DELETE FROM "` + name + `"`).Error; err != nil {
			return err
		}
	}
	return nil
}

func countRows(t *testing.T, dbConn *gorm.DB, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := dbConn.Table(table).Where(where, args...).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func doJSON(t *testing.T, client *http.Client, method, reqURL string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
