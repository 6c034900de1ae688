package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/tontine/internal/clock"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	"github.com/smallbiznis/tontine/internal/session/domain"
)

const (
	appSessionTTL     = 72 * time.Hour
	ussdSessionTTL    = 15 * time.Minute
	gatewaySessionTTL = 24 * time.Hour

	cacheKeyPrefix  = "session:"
	cacheTTLCeiling = time.Minute
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Groups groupdomain.Service

	Redis *redis.Client `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	groups groupdomain.Service
	redis  *redis.Client
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("session.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		groups: p.Groups,
		redis:  p.Redis,
	}
}

func (s *Service) Login(ctx context.Context, req domain.LoginRequest) (*domain.LoginResponse, error) {
	channel := req.Channel
	if channel == "" {
		channel = domain.ChannelApp
	}
	ttl, ok := channelTTL(channel)
	if !ok {
		return nil, domain.ErrInvalidChannel
	}

	member, err := s.groups.VerifyMemberPIN(ctx, req.GroupID, req.MSISDN, req.PIN)
	if err != nil {
		// Callers get one opaque error; the distinction stays in the log.
		switch {
		case errors.Is(err, groupdomain.ErrMemberNotFound),
			errors.Is(err, groupdomain.ErrInvalidPIN),
			errors.Is(err, groupdomain.ErrInvalidMSISDN):
			s.log.Info("login rejected",
				zap.String("group_id", req.GroupID.String()),
				zap.String("device_id", req.DeviceID),
				zap.Error(err),
			)
			return nil, domain.ErrInvalidCredentials
		default:
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	token := uuid.NewString()
	session := &domain.Session{
		ID:         s.genID.Generate(),
		TokenHash:  domain.HashToken(token),
		GroupID:    member.GroupID,
		MemberID:   member.ID,
		DeviceID:   req.DeviceID,
		Channel:    channel,
		Scopes:     scopesForRole(member.Role),
		ExpiresAt:  now.Add(ttl),
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := s.repo.Insert(ctx, session); err != nil {
		return nil, err
	}

	s.log.Info("session issued",
		zap.String("session_id", session.ID.String()),
		zap.String("group_id", session.GroupID.String()),
		zap.String("member_id", session.MemberID.String()),
		zap.String("channel", string(channel)),
	)

	return &domain.LoginResponse{
		Token:     token,
		SessionID: session.ID,
		GroupID:   session.GroupID,
		MemberID:  session.MemberID,
		Scopes:    session.Scopes,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

func (s *Service) Resolve(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrSessionNotFound
	}
	hash := domain.HashToken(token)
	now := s.clock.Now().UTC()

	session := s.cacheGet(ctx, hash)
	if session == nil {
		found, err := s.repo.FindByTokenHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		session = found
	}
	if session == nil || session.RevokedAt != nil {
		return nil, domain.ErrSessionNotFound
	}
	if !session.ExpiresAt.After(now) {
		return nil, domain.ErrSessionExpired
	}

	// Sliding window: touch once more than half the TTL has elapsed, so busy
	// sessions stay alive without a write per request.
	ttl, _ := channelTTL(session.Channel)
	if session.ExpiresAt.Sub(now) < ttl/2 {
		session.LastSeenAt = now
		session.ExpiresAt = now.Add(ttl)
		if err := s.repo.Touch(ctx, session.ID, session.LastSeenAt, session.ExpiresAt); err != nil {
			return nil, err
		}
	}

	s.cacheSet(ctx, hash, session, now)
	return session, nil
}

func (s *Service) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return domain.ErrSessionNotFound
	}
	hash := domain.HashToken(token)

	ok, err := s.repo.RevokeByTokenHash(ctx, hash, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.cacheDel(ctx, hash)
	return nil
}

func (s *Service) cacheGet(ctx context.Context, hash string) *domain.Session {
	if s.redis == nil {
		return nil
	}
	raw, err := s.redis.Get(ctx, cacheKeyPrefix+hash).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("session cache read failed", zap.Error(err))
		}
		return nil
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil
	}
	session.TokenHash = hash
	return &session
}

func (s *Service) cacheSet(ctx context.Context, hash string, session *domain.Session, now time.Time) {
	if s.redis == nil {
		return
	}
	ttl := session.ExpiresAt.Sub(now)
	if ttl > cacheTTLCeiling {
		ttl = cacheTTLCeiling
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKeyPrefix+hash, raw, ttl).Err(); err != nil {
		s.log.Warn("session cache write failed", zap.Error(err))
	}
}

func (s *Service) cacheDel(ctx context.Context, hash string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, cacheKeyPrefix+hash).Err(); err != nil {
		s.log.Warn("session cache delete failed", zap.Error(err))
	}
}

func channelTTL(channel domain.Channel) (time.Duration, bool) {
	switch channel {
	case domain.ChannelApp:
		return appSessionTTL, true
	case domain.ChannelUSSD:
		return ussdSessionTTL, true
	case domain.ChannelGateway:
		return gatewaySessionTTL, true
	default:
		return 0, false
	}
}

func scopesForRole(role groupdomain.MemberRole) []string {
	scopes := []string{domain.ScopeGroupRead, domain.ScopeContributionWrite}
	if role == groupdomain.RoleOrganizer {
		scopes = append(scopes, domain.ScopeGroupManage)
	}
	return scopes
}
