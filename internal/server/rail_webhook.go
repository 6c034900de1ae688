package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tontine/internal/audit/domain"
	auditcontext "github.com/smallbiznis/tontine/internal/auditcontext"
	contributiondomain "github.com/smallbiznis/tontine/internal/contribution/domain"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
)

// Rail event types accepted on the confirmation webhook. The set is closed:
// anything else is a 400, never a silent drop.
const (
	railEventContributionConfirmed = "contribution.confirmed"
	railEventPayoutConfirmed       = string(payoutdomain.RailEventConfirmed)
	railEventPayoutFailed          = string(payoutdomain.RailEventFailed)
)

// RailWebhookRequired authenticates rail deliveries with the shared secret.
// An engine without a configured secret has no rail; every delivery is
// rejected rather than trusted.
func (s *Server) RailWebhookRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.RailWebhookSecret
		if secret == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		presented := strings.TrimSpace(c.GetHeader(HeaderRailSecret))
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := auditcontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeSystem), "rail")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type railConfirmationEnvelope struct {
	Type string `json:"type"`
}

// HandleRailConfirmation ingests one rail event. Contribution confirmations
// and payout outcomes share the channel; the type tag routes them. Rails
// redeliver until they see 2xx, so replays of an already-applied event must
// come back 200.
func (s *Server) HandleRailConfirmation(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var envelope railConfirmationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	switch strings.TrimSpace(envelope.Type) {
	case railEventContributionConfirmed:
		s.handleContributionConfirmation(c, body)
	case railEventPayoutConfirmed, railEventPayoutFailed:
		s.handlePayoutRailEvent(c, body, strings.TrimSpace(envelope.Type))
	default:
		AbortWithError(c, newValidationError("type", "invalid_event_type", "unknown rail event type"))
	}
}

func (s *Server) handleContributionConfirmation(c *gin.Context, body []byte) {
	var req contributiondomain.ConfirmationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.contributionSvc.ProcessConfirmation(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, contributionIntakeResponse{
		Status:       result.Outcome,
		Reason:       result.Reason,
		Contribution: result.Contribution,
	})
}

func (s *Server) handlePayoutRailEvent(c *gin.Context, body []byte, eventType string) {
	var req payoutdomain.RailEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.EventType = payoutdomain.RailEventType(eventType)

	payout, err := s.payoutSvc.ApplyRailEvent(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": payout})
}
