package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrInvalidChannel     = errors.New("invalid_channel")
	ErrSessionNotFound    = errors.New("session_not_found")
	ErrSessionExpired     = errors.New("session_expired")
)

type LoginRequest struct {
	GroupID  snowflake.ID `json:"group_id" binding:"required"`
	MSISDN   string       `json:"msisdn" binding:"required"`
	PIN      string       `json:"pin" binding:"required"`
	DeviceID string       `json:"device_id" binding:"required"`
	Channel  Channel      `json:"channel"`
}

// LoginResponse carries the raw token exactly once.
type LoginResponse struct {
	Token     string       `json:"token"`
	SessionID snowflake.ID `json:"session_id"`
	GroupID   snowflake.ID `json:"group_id"`
	MemberID  snowflake.ID `json:"member_id"`
	Scopes    []string     `json:"scopes"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type Service interface {
	// Login verifies the member's PIN and issues a device session. The raw
	// token appears only in the response.
	Login(ctx context.Context, req LoginRequest) (*LoginResponse, error)

	// Resolve maps a raw token to its live session, sliding the expiry
	// forward when more than half the window has elapsed.
	Resolve(ctx context.Context, token string) (*Session, error)

	Revoke(ctx context.Context, token string) error
}

type Repository interface {
	Insert(ctx context.Context, session *Session) error
	FindByTokenHash(ctx context.Context, hash string) (*Session, error)
	Touch(ctx context.Context, id snowflake.ID, lastSeenAt, expiresAt time.Time) error
	RevokeByTokenHash(ctx context.Context, hash string, at time.Time) (bool, error)
}
