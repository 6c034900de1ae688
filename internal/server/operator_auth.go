package server

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	auditcontext "github.com/smallbiznis/tontine/internal/auditcontext"
	operatordomain "github.com/smallbiznis/tontine/internal/operator/domain"
)

// platformGroupID is the casbin domain for operator actions that are not
// scoped to one group.
const platformGroupID = "platform"

// OperatorKeyRequired authenticates platform staff by X-Operator-Key only.
// Operator identity is derived solely from the operator_keys table.
func (s *Server) OperatorKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOperatorKey))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		hash := operatordomain.HashOperatorKey(raw)
		now := time.Now().UTC()

		var record struct {
			ID      snowflake.ID `gorm:"column:id"`
			KeyID   string       `gorm:"column:key_id"`
			KeyHash string       `gorm:"column:key_hash"`
		}

		if err := s.db.WithContext(c.Request.Context()).Raw(
			`SELECT id, key_id, key_hash
			 FROM operator_keys
			 WHERE key_hash = ?
			   AND is_active = true
			   AND (expires_at IS NULL OR expires_at > ?)
			 LIMIT 1`,
			hash,
			now,
		).Scan(&record).Error; err != nil {
			AbortWithError(c, err)
			return
		}

		if record.ID == 0 || subtle.ConstantTimeCompare([]byte(record.KeyHash), []byte(hash)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, contextOperatorKeyIDKey, record.KeyID)
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeOperator), record.KeyID)
		c.Request = c.Request.WithContext(ctx)

		// Best effort; the key already authenticated.
		_ = s.db.WithContext(ctx).Exec(
			`UPDATE operator_keys SET last_used_at = ? WHERE id = ?`, now, record.ID,
		).Error

		c.Set(contextOperatorKeyIDKey, record.KeyID)
		c.Next()
	}
}

// authorizePlatformAction gates an operator route through casbin in the
// platform domain.
func (s *Server) authorizePlatformAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := operatorKeyIDFromContext(c)
		if keyID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := "operator:" + keyID
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, platformGroupID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func operatorKeyIDFromContext(c *gin.Context) string {
	value, ok := c.Get(contextOperatorKeyIDKey)
	if !ok {
		return ""
	}
	keyID, _ := value.(string)
	return strings.TrimSpace(keyID)
}
