package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/tontine/internal/clock"
	operatordomain "github.com/smallbiznis/tontine/internal/operator/domain"
	operatorrepo "github.com/smallbiznis/tontine/internal/operator/repository"
	operatorservice "github.com/smallbiznis/tontine/internal/operator/service"
	"github.com/smallbiznis/tontine/pkg/db"
)

type harness struct {
	db  *gorm.DB
	clk *clock.FakeClock
	svc operatordomain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := dbConn.AutoMigrate(&operatordomain.OperatorKey{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2025, 8, 4, 10, 0, 0, 0, time.UTC))

	svc := operatorservice.New(operatorservice.Params{
		DB:    dbConn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  operatorrepo.Provide(),
	})

	return &harness{db: dbConn, clk: clk, svc: svc}
}

func TestCreateIssuesSecretOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	secret, err := h.svc.Create(ctx, operatordomain.CreateRequest{Name: "ops on-call"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(secret.OperatorKey, "tn_op_key_") {
		t.Fatalf("unexpected key format: %q", secret.OperatorKey)
	}
	if !strings.HasPrefix(secret.KeyID, "opk_") {
		t.Fatalf("unexpected key id format: %q", secret.KeyID)
	}

	var stored struct {
		KeyHash  string `gorm:"column:key_hash"`
		Role     string `gorm:"column:role"`
		IsActive bool   `gorm:"column:is_active"`
	}
	if err := h.db.Raw("SELECT key_hash, role, is_active FROM operator_keys WHERE key_id = ?", secret.KeyID).Scan(&stored).Error; err != nil {
		t.Fatalf("load key: %v", err)
	}
	if stored.KeyHash == secret.OperatorKey || stored.KeyHash == "" {
		t.Fatal("plaintext key must not be stored")
	}
	if stored.KeyHash != operatordomain.HashOperatorKey(secret.OperatorKey) {
		t.Fatal("stored hash does not match the issued key")
	}
	if stored.Role != operatordomain.RoleOperator || !stored.IsActive {
		t.Fatalf("unexpected key row: %+v", stored)
	}

	if _, err := h.svc.Create(ctx, operatordomain.CreateRequest{Name: "   "}); err != operatordomain.ErrInvalidName {
		t.Fatalf("expected name rejection, got %v", err)
	}
}

func TestRotateKeepsOldKeyForGraceWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.svc.Create(ctx, operatordomain.CreateRequest{Name: "ops"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next, err := h.svc.Rotate(ctx, first.KeyID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.KeyID == first.KeyID {
		t.Fatal("rotation must mint a new key id")
	}

	keys, err := h.svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected old and new key, got %d", len(keys))
	}

	byID := map[string]operatordomain.Response{}
	for _, k := range keys {
		byID[k.KeyID] = k
	}
	old := byID[first.KeyID]
	if old.ExpiresAt == nil {
		t.Fatal("rotated key should carry a grace expiry")
	}
	wantExpiry := h.clk.Now().UTC().Add(24 * time.Hour)
	if !old.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("grace expiry: got %v want %v", old.ExpiresAt, wantExpiry)
	}
	fresh := byID[next.KeyID]
	if fresh.RotatedFromKeyID == nil || *fresh.RotatedFromKeyID != first.KeyID {
		t.Fatalf("rotation lineage missing: %+v", fresh)
	}

	// Past the grace window the old key can no longer rotate.
	h.clk.Advance(25 * time.Hour)
	if _, err := h.svc.Rotate(ctx, first.KeyID); err != operatordomain.ErrNotFound {
		t.Fatalf("expected expired key rejection, got %v", err)
	}
}

func TestRevokeDeactivatesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	secret, err := h.svc.Create(ctx, operatordomain.CreateRequest{Name: "ops"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := h.svc.Revoke(ctx, secret.KeyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	keys, err := h.svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].IsActive {
		t.Fatalf("expected one inactive key, got %+v", keys)
	}
	if keys[0].ExpiresAt == nil || keys[0].ExpiresAt.After(h.clk.Now().UTC()) {
		t.Fatalf("revoked key must be expired now: %+v", keys[0].ExpiresAt)
	}

	if _, err := h.svc.Rotate(ctx, secret.KeyID); err != operatordomain.ErrNotFound {
		t.Fatalf("expected revoked key rejection, got %v", err)
	}
	if err := h.svc.Revoke(ctx, "opk_missing"); err != operatordomain.ErrNotFound {
		t.Fatalf("expected unknown key rejection, got %v", err)
	}
}
