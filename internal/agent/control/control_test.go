package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/tontine/internal/agent/domain"
)

type fakeQueue struct {
	enqueued  []domain.EnqueueRequest
	retried   []string
	retryReqs []domain.RetryRequest
	cancelled []string

	action *domain.PendingAction
	report *domain.StatusReport
	err    error
}

func (f *fakeQueue) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.PendingAction, error) {
	_ = ctx
	f.enqueued = append(f.enqueued, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.action, nil
}

func (f *fakeQueue) Get(ctx context.Context, id string) (*domain.PendingAction, error) {
	_ = ctx
	if f.err != nil {
		return nil, f.err
	}
	return f.action, nil
}

func (f *fakeQueue) Retry(ctx context.Context, id string, req domain.RetryRequest) (*domain.PendingAction, error) {
	_ = ctx
	f.retried = append(f.retried, id)
	f.retryReqs = append(f.retryReqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.action, nil
}

func (f *fakeQueue) Cancel(ctx context.Context, id string) error {
	_ = ctx
	f.cancelled = append(f.cancelled, id)
	return f.err
}

func (f *fakeQueue) Status(ctx context.Context) (*domain.StatusReport, error) {
	_ = ctx
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func newControlRouter(svc domain.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewEngine(NewHandler(zap.NewNop(), svc))
}

func decodeControlError(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Type, body.Error.Message
}

func TestEnqueueActionReturnsCreated(t *testing.T) {
	queue := &fakeQueue{action: &domain.PendingAction{
		ID:     "01JA0000000000000000000000",
		Status: domain.ActionStatusQueued,
	}}
	router := newControlRouter(queue)

	payload := `{"group_id":"1001","member_id":"2001","cycle_number":2,"amount":5000,"session_token":"tok-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(queue.enqueued))
	}
	got := queue.enqueued[0]
	if got.GroupID != 1001 || got.MemberID != 2001 || got.Amount != 5000 || got.SessionToken != "tok-1" {
		t.Fatalf("unexpected enqueue request: %+v", got)
	}

	var body struct {
		Action domain.PendingAction `json:"action"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Action.ID != "01JA0000000000000000000000" {
		t.Fatalf("expected action echoed, got %+v", body.Action)
	}
}

func TestEnqueueActionValidatesBody(t *testing.T) {
	queue := &fakeQueue{}
	router := newControlRouter(queue)

	req := httptest.NewRequest(http.MethodPost, "/v1/actions", strings.NewReader(`{"group_id":"1001","member_id":"2001"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if errType, _ := decodeControlError(t, w); errType != "validation_error" {
		t.Fatalf("expected validation_error, got %s", errType)
	}
	if len(queue.enqueued) != 0 {
		t.Fatal("invalid body must not reach the service")
	}
}

func TestGetActionNotFound(t *testing.T) {
	queue := &fakeQueue{err: domain.ErrActionNotFound}
	router := newControlRouter(queue)

	req := httptest.NewRequest(http.MethodGet, "/v1/actions/01JAMISSING", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if errType, _ := decodeControlError(t, w); errType != "not_found" {
		t.Fatalf("expected not_found, got %s", errType)
	}
}

func TestRetryActionPassesToken(t *testing.T) {
	queue := &fakeQueue{action: &domain.PendingAction{ID: "01JA1", Status: domain.ActionStatusQueued}}
	router := newControlRouter(queue)

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/01JA1/retry", strings.NewReader(`{"session_token":"fresh"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(queue.retried) != 1 || queue.retried[0] != "01JA1" {
		t.Fatalf("expected retry of 01JA1, got %v", queue.retried)
	}
	if queue.retryReqs[0].SessionToken != "fresh" {
		t.Fatalf("expected token forwarded, got %q", queue.retryReqs[0].SessionToken)
	}
}

func TestRetryActionAcceptsEmptyBody(t *testing.T) {
	queue := &fakeQueue{action: &domain.PendingAction{ID: "01JA1", Status: domain.ActionStatusQueued}}
	router := newControlRouter(queue)

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/01JA1/retry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(queue.retried) != 1 {
		t.Fatalf("expected retry call, got %v", queue.retried)
	}
	if queue.retryReqs[0].SessionToken != "" {
		t.Fatalf("expected empty token, got %q", queue.retryReqs[0].SessionToken)
	}
}

func TestCancelActionNoContent(t *testing.T) {
	queue := &fakeQueue{}
	router := newControlRouter(queue)

	req := httptest.NewRequest(http.MethodDelete, "/v1/actions/01JA1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(queue.cancelled) != 1 || queue.cancelled[0] != "01JA1" {
		t.Fatalf("expected cancel of 01JA1, got %v", queue.cancelled)
	}
}

func TestCancelConfirmedActionConflicts(t *testing.T) {
	queue := &fakeQueue{err: domain.ErrActionNotCancelable}
	router := newControlRouter(queue)

	req := httptest.NewRequest(http.MethodDelete, "/v1/actions/01JA1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	errType, message := decodeControlError(t, w)
	if errType != "conflict" || message != "action_not_cancelable" {
		t.Fatalf("unexpected envelope: %s %s", errType, message)
	}
}

func TestStatusReportsQueue(t *testing.T) {
	lastSync := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	queue := &fakeQueue{report: &domain.StatusReport{
		Queued:     2,
		Failed:     1,
		Online:     true,
		LastSyncAt: &lastSync,
	}}
	router := newControlRouter(queue)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report domain.StatusReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Queued != 2 || report.Failed != 1 || !report.Online {
		t.Fatalf("unexpected report: %+v", report)
	}
}
