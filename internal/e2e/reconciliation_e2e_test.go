package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
	"github.com/smallbiznis/tontine/internal/server"
)

// TestE2E_DuplicateConfirmationDelivery exercises the at-least-once intake
// contract: redelivered rail confirmations, racing online submissions under
// one idempotency key and double payments for one slot all converge on a
// single recorded contribution.
func TestE2E_DuplicateConfirmationDelivery(t *testing.T) {
	resetDatabase(t, env.db)

	fixture := createActiveGroup(t)

	confirmation := map[string]any{
		"type":            "contribution.confirmed",
		"confirmation_id": "railconf-dup-001",
		"group_id":        fixture.GroupID,
		"cycle_number":    1,
		"member_id":       fixture.MemberB.MemberID,
		"amount":          fixture.Amount,
		"provider":        "mock",
		"settled_at":      time.Now().UTC(),
	}

	status, body := postRailEvent(t, confirmation)
	if status != http.StatusOK {
		t.Fatalf("first delivery failed: %d: %s", status, string(body))
	}
	if verdict := decodeIntake(t, body); verdict.Status != "confirmed" {
		t.Fatalf("expected first delivery confirmed, got %s", verdict.Status)
	}
	if got := countRows(t, env.db, "contributions", "confirmation_id = ?", "railconf-dup-001"); got != 1 {
		t.Fatalf("expected one recorded contribution, got %d", got)
	}

	// The rail redelivers the identical event.
	status, body = postRailEvent(t, confirmation)
	if status != http.StatusOK {
		t.Fatalf("redelivery failed: %d: %s", status, string(body))
	}
	if verdict := decodeIntake(t, body); verdict.Status != "duplicate" {
		t.Fatalf("expected redelivery reported duplicate, got %s", verdict.Status)
	}

	// A mangled redelivery under the same confirmation id resolves by key
	// before any field is inspected; the stored row keeps its amounts.
	confirmation["amount"] = fixture.Amount + 111
	status, body = postRailEvent(t, confirmation)
	if status != http.StatusOK {
		t.Fatalf("conflicting redelivery failed: %d: %s", status, string(body))
	}
	if verdict := decodeIntake(t, body); verdict.Status != "duplicate" {
		t.Fatalf("expected conflicting redelivery reported duplicate, got %s", verdict.Status)
	}
	var storedAmount int64
	if err := env.db.Raw(
		`SELECT amount FROM contributions WHERE confirmation_id = ?`, "railconf-dup-001",
	).Scan(&storedAmount).Error; err != nil {
		t.Fatalf("read stored contribution: %v", err)
	}
	if storedAmount != fixture.Amount {
		t.Fatalf("redelivery mutated the stored amount: %d", storedAmount)
	}
	if got := countRows(t, env.db, "contributions", "group_id = ? AND cycle_number = 1", fixture.GroupID); got != 1 {
		t.Fatalf("expected one contribution after redeliveries, got %d", got)
	}

	// Two racing online submissions under the same client key: exactly one
	// records, the other converges as a duplicate.
	const raceKey = "e2e-race-key-0001"
	results := make(chan submitOutcomeResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- postContribution(fixture.MemberC, fixture.Amount, raceKey)
		}()
	}
	confirmed, duplicates := 0, 0
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("racing submission failed: %v", res.err)
		}
		if res.code != http.StatusOK {
			t.Fatalf("racing submission returned %d", res.code)
		}
		switch res.status {
		case "confirmed":
			confirmed++
		case "duplicate":
			duplicates++
		default:
			t.Fatalf("unexpected racing outcome %s", res.status)
		}
	}
	if confirmed != 1 || duplicates != 1 {
		t.Fatalf("expected one confirmed and one duplicate, got %d / %d", confirmed, duplicates)
	}
	if got := countRows(t, env.db, "contributions", "client_key = ?", raceKey); got != 1 {
		t.Fatalf("expected one row under the racing key, got %d", got)
	}

	// B pays twice through different channels: the second payment hits a
	// confirmed slot under a new key and reports the conflict instead of
	// recording a second row.
	verdictStatus, reason := submitContribution(t, fixture.MemberB, fixture.Amount, 0, "e2e-second-payment-b")
	if verdictStatus != "duplicate" || reason != "slot_conflict" {
		t.Fatalf("expected duplicate/slot_conflict for the double payment, got %s/%s", verdictStatus, reason)
	}
	if got := countRows(t, env.db, "contributions", "group_id = ? AND member_id = ?", fixture.GroupID, fixture.MemberB.MemberID); got != 1 {
		t.Fatalf("expected one slot row for the double-paying member, got %d", got)
	}
}

// TestE2E_StaleCycleSubmissionsConverge drives a group past its first cycle
// and checks that late replays for the completed cycle no-op while fresh
// submissions land in the new one.
func TestE2E_StaleCycleSubmissionsConverge(t *testing.T) {
	resetDatabase(t, env.db)
	ctx := context.Background()

	fixture := createActiveGroup(t)
	fundCurrentCycle(t, fixture, "stale-c1")

	if _, err := env.cycles.EvaluateCycle(ctx, fixture.GroupID, 1); err != nil {
		t.Fatalf("evaluate cycle: %v", err)
	}
	if err := env.scheduler.PayoutDispatchJob(ctx); err != nil {
		t.Fatalf("payout dispatch: %v", err)
	}
	p := loadPayout(t, fixture.GroupID, 1)
	confirmPayout(t, p)

	if summary := getGroupStatus(t, fixture.GroupID, fixture.Organizer); summary.CurrentCycle != 2 {
		t.Fatalf("expected cycle 2 after payout, got %d", summary.CurrentCycle)
	}

	// An offline queue replaying cycle 1 after rotation must converge, not
	// error: the device clears its backlog either way.
	status, reason := submitContribution(t, fixture.MemberB, fixture.Amount, 1, "stale-replay-b")
	if status != "stale" || reason != "stale_cycle" {
		t.Fatalf("expected stale/stale_cycle for the late replay, got %s/%s", status, reason)
	}
	if got := countRows(t, env.db, "contributions", "group_id = ? AND cycle_number = 1", fixture.GroupID); got != 3 {
		t.Fatalf("late replay changed cycle 1 rows: %d", got)
	}

	// A cycle the group has not reached is a hard reject.
	status, reason = submitContribution(t, fixture.MemberB, fixture.Amount, 9, "future-cycle-b")
	if status != "rejected" || reason != "invalid_cycle" {
		t.Fatalf("expected rejected/invalid_cycle for the future cycle, got %s/%s", status, reason)
	}

	// An unhinted submission lands in the current cycle.
	status, _ = submitContribution(t, fixture.MemberB, fixture.Amount, 0, "fresh-c2-b")
	if status != "confirmed" {
		t.Fatalf("expected fresh submission confirmed, got %s", status)
	}
	if got := countRows(t, env.db, "contributions", "group_id = ? AND cycle_number = 2", fixture.GroupID); got != 1 {
		t.Fatalf("expected one cycle 2 contribution, got %d", got)
	}
}

// TestE2E_PayoutRetriesAfterRailOutage fails the first rail submission and
// checks the payout backs off, stays claimable under the same request key and
// goes through on the next due pass.
func TestE2E_PayoutRetriesAfterRailOutage(t *testing.T) {
	resetDatabase(t, env.db)
	ctx := context.Background()

	fixture := createActiveGroup(t)
	fundCurrentCycle(t, fixture, "outage-c1")
	if _, err := env.cycles.EvaluateCycle(ctx, fixture.GroupID, 1); err != nil {
		t.Fatalf("evaluate cycle: %v", err)
	}

	env.rail.FailNextPayouts(1, nil)
	if err := env.scheduler.PayoutDispatchJob(ctx); err != nil {
		t.Fatalf("dispatch during outage: %v", err)
	}

	p := loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusPending {
		t.Fatalf("expected payout requeued pending, got %s", p.Status)
	}
	if p.Attempts != 1 {
		t.Fatalf("expected one burned attempt, got %d", p.Attempts)
	}
	if p.NextAttemptAt == nil || !p.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatalf("expected a future next_attempt_at after requeue")
	}
	if p.LastError == "" {
		t.Fatalf("expected the rail error recorded on the payout")
	}
	if got := len(env.rail.SubmittedPayouts()); got != 0 {
		t.Fatalf("expected no accepted submissions during the outage, got %d", got)
	}

	// Not due yet: an immediate pass must not claim it.
	if err := env.scheduler.PayoutDispatchJob(ctx); err != nil {
		t.Fatalf("early dispatch pass: %v", err)
	}
	if p = loadPayout(t, fixture.GroupID, 1); p.Attempts != 1 {
		t.Fatalf("early pass claimed a backed-off payout (attempts %d)", p.Attempts)
	}

	// Fast-forward the backoff instead of sleeping through it.
	past := time.Now().UTC().Add(-time.Minute)
	if err := env.db.Exec(`UPDATE payouts SET next_attempt_at = ? WHERE id = ?`, past, p.ID).Error; err != nil {
		t.Fatalf("fast-forward payout backoff: %v", err)
	}

	if err := env.scheduler.PayoutDispatchJob(ctx); err != nil {
		t.Fatalf("dispatch after outage: %v", err)
	}
	p = loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusProcessing {
		t.Fatalf("expected payout processing after recovery, got %s", p.Status)
	}
	if p.Attempts != 2 || p.RailRef == "" {
		t.Fatalf("expected second attempt submitted with a rail ref, got attempts %d", p.Attempts)
	}
	submitted := env.rail.SubmittedPayouts()
	if len(submitted) != 1 {
		t.Fatalf("expected exactly one accepted submission, got %d", len(submitted))
	}
	if submitted[0].IdempotencyKey != p.RequestKey {
		t.Fatalf("retry changed the request key: %s", submitted[0].IdempotencyKey)
	}

	confirmPayout(t, p)
	if summary := getGroupStatus(t, fixture.GroupID, fixture.Organizer); summary.CurrentCycle != 2 {
		t.Fatalf("expected rotation after the recovered payout, got cycle %d", summary.CurrentCycle)
	}
}

// TestE2E_ReconciliationSweepBackstopsTriggers completes a cycle through the
// periodic sweep alone, the path taken when the intake-time evaluation was
// lost to a crash.
func TestE2E_ReconciliationSweepBackstopsTriggers(t *testing.T) {
	resetDatabase(t, env.db)
	ctx := context.Background()

	fixture := createActiveGroup(t)
	fundCurrentCycle(t, fixture, "sweep-c1")

	// The sweep only touches groups quiet past the minimum cycle age; age
	// the group instead of waiting it out.
	past := time.Now().UTC().Add(-5 * time.Minute)
	if err := env.db.Exec(`UPDATE groups SET updated_at = ? WHERE id = ?`, past, fixture.GroupID).Error; err != nil {
		t.Fatalf("age group: %v", err)
	}

	if err := env.scheduler.ReconciliationSweepJob(ctx); err != nil {
		t.Fatalf("reconciliation sweep: %v", err)
	}

	if got := countRows(t, env.db, "payouts", "group_id = ?", fixture.GroupID); got != 1 {
		t.Fatalf("expected the sweep to leave exactly one payout, got %d", got)
	}
	p := loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusPending {
		t.Fatalf("expected the swept payout pending dispatch, got %s", p.Status)
	}

	// Completion opens the payout; rotation waits for its confirmation.
	if summary := getGroupStatus(t, fixture.GroupID, fixture.Organizer); summary.CurrentCycle != 1 {
		t.Fatalf("sweep advanced the cycle to %d before payout confirmation", summary.CurrentCycle)
	}
}

// TestE2E_OperatorEscalationAndSurface walks the operator path end to end: a
// terminal rail failure parks the payout, staff requeue it over the API and
// the resubmission reuses the pinned request key.
func TestE2E_OperatorEscalationAndSurface(t *testing.T) {
	resetDatabase(t, env.db)
	ctx := context.Background()

	fixture := createActiveGroup(t)
	fundCurrentCycle(t, fixture, "operator-c1")
	if _, err := env.cycles.EvaluateCycle(ctx, fixture.GroupID, 1); err != nil {
		t.Fatalf("evaluate cycle: %v", err)
	}
	if err := env.scheduler.PayoutDispatchJob(ctx); err != nil {
		t.Fatalf("payout dispatch: %v", err)
	}
	p := loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusProcessing {
		t.Fatalf("expected payout processing, got %s", p.Status)
	}

	// The rail reports a terminal failure for the submitted transfer.
	failure := map[string]any{
		"type":        "payout.failed",
		"provider":    "mock",
		"request_key": p.RequestKey,
		"rail_ref":    p.RailRef,
		"reason":      "recipient_wallet_closed",
		"transient":   false,
		"occurred_at": time.Now().UTC(),
	}
	if status, body := postRailEvent(t, failure); status != http.StatusOK {
		t.Fatalf("payout failure webhook: %d: %s", status, string(body))
	}
	p = loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusFailed {
		t.Fatalf("expected payout failed after the rail event, got %s", p.Status)
	}
	if summary := getGroupStatus(t, fixture.GroupID, fixture.Organizer); summary.CurrentCycle != 1 {
		t.Fatalf("failed payout advanced the cycle to %d", summary.CurrentCycle)
	}

	// Operator surface: key-gated listing.
	var listing struct {
		Data []struct {
			ID     snowflake.ID `json:"id"`
			Status string       `json:"status"`
		} `json:"data"`
		Total int64 `json:"total"`
	}
	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/operator/groups", nil, map[string]string{
		server.HeaderOperatorKey: e2eOperatorKey,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator group listing: %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("decode operator listing: %v", err)
	}
	if listing.Total != 1 || len(listing.Data) != 1 || listing.Data[0].ID != fixture.GroupID {
		t.Fatalf("operator listing missed the group: %s", string(body))
	}

	resp, _ = doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/operator/groups", nil, map[string]string{
		server.HeaderOperatorKey: "not-the-operator-key",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong operator key, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/operator/groups", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an operator key, got %d", resp.StatusCode)
	}

	// Staff requeue the failed payout.
	retryURL := fmt.Sprintf("%s/v1/operator/payouts/%s/retry", env.baseURL, p.ID)
	resp, body = doJSON(t, newHTTPClient(), http.MethodPost, retryURL, nil, map[string]string{
		server.HeaderOperatorKey: e2eOperatorKey,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator retry: %d: %s", resp.StatusCode, string(body))
	}
	p = loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusPending || p.Attempts != 0 {
		t.Fatalf("expected retried payout pending with a fresh budget, got %s attempts %d", p.Status, p.Attempts)
	}

	// The resubmission reuses the same request key, so the rail treats it as
	// the transfer it already accepted rather than a second payment.
	if err := env.scheduler.PayoutDispatchJob(ctx); err != nil {
		t.Fatalf("dispatch after retry: %v", err)
	}
	p = loadPayout(t, fixture.GroupID, 1)
	if p.Status != payoutdomain.PayoutStatusProcessing {
		t.Fatalf("expected payout processing after retry, got %s", p.Status)
	}
	if got := len(env.rail.SubmittedPayouts()); got != 1 {
		t.Fatalf("retry produced a second rail transfer (%d submissions)", got)
	}

	confirmPayout(t, p)
	if summary := getGroupStatus(t, fixture.GroupID, fixture.Organizer); summary.CurrentCycle != 2 {
		t.Fatalf("expected rotation after the retried payout, got cycle %d", summary.CurrentCycle)
	}

	// The manual sweep endpoint mirrors the scheduler job. The group just
	// rotated, so the pass finds nothing to complete.
	var report struct {
		GroupsChecked   int `json:"groups_checked"`
		CyclesCompleted int `json:"cycles_completed"`
	}
	resp, body = doJSON(t, newHTTPClient(), http.MethodPost, env.baseURL+"/v1/operator/cycles/sweep", nil, map[string]string{
		server.HeaderOperatorKey: e2eOperatorKey,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator sweep: %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode sweep report: %v", err)
	}
	if report.CyclesCompleted != 0 {
		t.Fatalf("sweep completed %d cycles on a freshly rotated group", report.CyclesCompleted)
	}

	assertLedgerBalanced(t)
}

// fundCurrentCycle submits one confirmed contribution per member for the
// group's current cycle.
func fundCurrentCycle(t *testing.T, fixture *groupFixture, keyPrefix string) {
	t.Helper()

	members := []memberSession{fixture.Organizer, fixture.MemberB, fixture.MemberC}
	for i, member := range members {
		key := fmt.Sprintf("%s-%d", keyPrefix, i)
		if status, reason := submitContribution(t, member, fixture.Amount, 0, key); status != "confirmed" {
			t.Fatalf("funding submission %s: got %s/%s", key, status, reason)
		}
	}
}

// confirmPayout delivers the rail's confirmation for a submitted payout.
func confirmPayout(t *testing.T, p *payoutdomain.Payout) {
	t.Helper()

	event := map[string]any{
		"type":        "payout.confirmed",
		"provider":    "mock",
		"request_key": p.RequestKey,
		"rail_ref":    p.RailRef,
		"occurred_at": time.Now().UTC(),
	}
	if status, body := postRailEvent(t, event); status != http.StatusOK {
		t.Fatalf("payout confirmation webhook: %d: %s", status, string(body))
	}
}

type submitOutcomeResult struct {
	code   int
	status string
	err    error
}

// postContribution is the goroutine-safe submission helper for race tests;
// it reports failures as values instead of touching testing.T.
func postContribution(member memberSession, amount int64, key string) submitOutcomeResult {
	payload, err := json.Marshal(map[string]any{"amount": amount})
	if err != nil {
		return submitOutcomeResult{err: err}
	}

	req, err := http.NewRequest(http.MethodPost, env.baseURL+"/v1/contributions", bytes.NewReader(payload))
	if err != nil {
		return submitOutcomeResult{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.HeaderSessionToken, member.Token)
	req.Header.Set(server.HeaderIdempotencyKey, key)

	resp, err := newHTTPClient().Do(req)
	if err != nil {
		return submitOutcomeResult{err: err}
	}
	defer resp.Body.Close()

	var verdict struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return submitOutcomeResult{code: resp.StatusCode, err: err}
	}
	return submitOutcomeResult{code: resp.StatusCode, status: verdict.Status}
}

type intakeVerdict struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func decodeIntake(t *testing.T, body []byte) intakeVerdict {
	t.Helper()
	var verdict intakeVerdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		t.Fatalf("decode intake verdict: %v", err)
	}
	return verdict
}
