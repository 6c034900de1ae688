package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	auditcontext "github.com/smallbiznis/tontine/internal/auditcontext"
	"github.com/smallbiznis/tontine/internal/clock"
	operatordomain "github.com/smallbiznis/tontine/internal/operator/domain"
)

const (
	keyPrefix         = "tn_op_key_"
	keySecretBytes    = 32
	rotationGrace     = 24 * time.Hour
	defaultKeyIDGuard = "opk_"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  operatordomain.Repository

	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     operatordomain.Repository
	auditSvc auditdomain.Service
}

func New(p Params) operatordomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("operator.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) List(ctx context.Context) ([]operatordomain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]operatordomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req operatordomain.CreateRequest) (*operatordomain.SecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, operatordomain.ErrInvalidName
	}

	now := s.clock.Now().UTC()
	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := generateOperatorKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &operatordomain.OperatorKey{
		ID:        id,
		KeyID:     keyID,
		Name:      name,
		Role:      operatordomain.RoleOperator,
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}
	s.audit(ctx, "operator_key.created", key.KeyID, map[string]any{"name": name})

	return &operatordomain.SecretResponse{KeyID: key.KeyID, OperatorKey: plain}, nil
}

// Rotate issues a fresh key and leaves the old one valid for a grace window
// so running tooling can switch over without an outage.
func (s *Service) Rotate(ctx context.Context, keyID string) (*operatordomain.SecretResponse, error) {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, operatordomain.ErrInvalidKeyID
	}

	var result *operatordomain.SecretResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByKeyID(ctx, tx, trimmed)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if current == nil || !current.IsActive || isExpired(current.ExpiresAt, now) {
			return operatordomain.ErrNotFound
		}

		current.ExpiresAt = ptrTime(now.Add(rotationGrace))
		current.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}

		id := s.genID.Generate()
		nextKeyID := newKeyID(id)
		plain, hash, err := generateOperatorKey(nextKeyID)
		if err != nil {
			return err
		}

		rotatedFrom := current.KeyID
		next := &operatordomain.OperatorKey{
			ID:               id,
			KeyID:            nextKeyID,
			Name:             current.Name,
			Role:             current.Role,
			KeyHash:          hash,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
			RotatedFromKeyID: &rotatedFrom,
		}
		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}

		result = &operatordomain.SecretResponse{KeyID: next.KeyID, OperatorKey: plain}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "operator_key.rotated", result.KeyID, map[string]any{"rotated_from": trimmed})

	return result, nil
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return operatordomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, trimmed)
	if err != nil {
		return err
	}
	if key == nil {
		return operatordomain.ErrNotFound
	}

	now := s.clock.Now().UTC()
	key.IsActive = false
	key.UpdatedAt = now
	if key.ExpiresAt == nil || key.ExpiresAt.After(now) {
		key.ExpiresAt = &now
	}
	if err := s.repo.Update(ctx, s.db, key); err != nil {
		return err
	}
	s.audit(ctx, "operator_key.revoked", key.KeyID, nil)
	return nil
}

func (s *Service) audit(ctx context.Context, action string, keyID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actorType, actorID := auditcontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeOperator)
	}
	var actorIDPtr *string
	if actorID != "" {
		actorIDPtr = &actorID
	}
	if err := s.auditSvc.AuditLog(ctx, nil, actorType, actorIDPtr, action, "operator_key", &keyID, metadata); err != nil {
		s.log.Warn("failed to write operator key audit log", zap.Error(err))
	}
}

func toResponse(key *operatordomain.OperatorKey) operatordomain.Response {
	return operatordomain.Response{
		KeyID:            key.KeyID,
		Name:             key.Name,
		Role:             key.Role,
		IsActive:         key.IsActive,
		CreatedAt:        key.CreatedAt,
		LastUsedAt:       key.LastUsedAt,
		ExpiresAt:        key.ExpiresAt,
		RotatedFromKeyID: key.RotatedFromKeyID,
	}
}

func generateOperatorKey(keyID string) (string, string, error) {
	secret := make([]byte, keySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	secretPart := hex.EncodeToString(secret)
	trimmed := strings.TrimPrefix(keyID, defaultKeyIDGuard)
	plain := fmt.Sprintf("%s%s_%s", keyPrefix, trimmed, secretPart)
	return plain, operatordomain.HashOperatorKey(plain), nil
}

func newKeyID(id snowflake.ID) string {
	return defaultKeyIDGuard + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

func isExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return now.After(*expiresAt)
}

func ptrTime(value time.Time) *time.Time {
	return &value
}
