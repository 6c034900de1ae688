// Package domain contains device session records for member authentication.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

type Channel string

const (
	ChannelApp     Channel = "app"
	ChannelUSSD    Channel = "ussd"
	ChannelGateway Channel = "gateway"
)

const (
	ScopeGroupRead         = "group:read"
	ScopeGroupManage       = "group:manage"
	ScopeContributionWrite = "contribution:write"
)

// Session is one authenticated device binding for a member. Only the token
// hash is stored; the raw token is returned once at login.
type Session struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	TokenHash  string         `gorm:"type:text;not null;uniqueIndex:ux_sessions_token_hash" json:"-"`
	GroupID    snowflake.ID   `gorm:"not null;index" json:"group_id"`
	MemberID   snowflake.ID   `gorm:"not null;index" json:"member_id"`
	DeviceID   string         `gorm:"type:text;not null" json:"device_id"`
	Channel    Channel        `gorm:"type:text;not null" json:"channel"`
	Scopes     pq.StringArray `gorm:"type:text[];not null" json:"scopes"`
	ExpiresAt  time.Time      `gorm:"not null;index" json:"expires_at"`
	LastSeenAt time.Time      `gorm:"not null" json:"last_seen_at"`
	RevokedAt  *time.Time     `json:"revoked_at,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Session) TableName() string { return "member_sessions" }

// HasScope reports whether the session carries the given scope.
func (s *Session) HasScope(scope string) bool {
	for _, held := range s.Scopes {
		if held == scope {
			return true
		}
	}
	return false
}

// HashToken derives the storage key for a raw session token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
