package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tontine/internal/authorization"
	contributiondomain "github.com/smallbiznis/tontine/internal/contribution/domain"
)

type submitContributionRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	CycleNumber int    `json:"cycle_number"`
	ClientKey   string `json:"client_idempotency_key"`
	Source      string `json:"source"`
}

// contributionIntakeResponse is the intake verdict envelope. Duplicate and
// stale land here as 200s: from the client's point of view a replay that
// changed nothing still succeeded.
type contributionIntakeResponse struct {
	Status       contributiondomain.Outcome       `json:"status"`
	Reason       string                           `json:"reason,omitempty"`
	Contribution *contributiondomain.Contribution `json:"contribution,omitempty"`
}

// SubmitContribution records an online contribution for the session's
// member. Identity comes from the session, never from the body; the
// idempotency key comes from the Idempotency-Key header with the body field
// as fallback for clients that cannot set headers (USSD gateways).
func (s *Server) SubmitContribution(c *gin.Context) {
	sess := sessionFromContext(c)
	if sess == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req submitContributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	clientKey := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if clientKey == "" {
		clientKey = strings.TrimSpace(req.ClientKey)
	}
	if clientKey == "" {
		AbortWithError(c, newValidationError("client_idempotency_key", "invalid_client_key", "idempotency key is required"))
		return
	}

	if err := s.authorizeSessionAction(c, sess, authorization.ObjectContribution, authorization.ActionContributionSubmit); err != nil {
		AbortWithError(c, err)
		return
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = string(sess.Channel)
	}

	result, err := s.contributionSvc.SubmitDirect(c.Request.Context(), contributiondomain.DirectSubmitRequest{
		ClientKey:   clientKey,
		GroupID:     sess.GroupID,
		MemberID:    sess.MemberID,
		CycleNumber: req.CycleNumber,
		Amount:      req.Amount,
		Source:      source,
	})
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

// InitiateContribution opens the member's pending slot and returns the rail
// invoice to pay. Calling it twice returns the same slot.
func (s *Server) InitiateContribution(c *gin.Context) {
	sess := sessionFromContext(c)
	if sess == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if err := s.authorizeSessionAction(c, sess, authorization.ObjectContribution, authorization.ActionContributionInitiate); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.contributionSvc.Initiate(c.Request.Context(), contributiondomain.InitiateRequest{
		GroupID:  sess.GroupID,
		MemberID: sess.MemberID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListGroupContributions lists the group's contributions, optionally
// filtered by cycle and status.
func (s *Server) ListGroupContributions(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query contributiondomain.ListContributionsRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query.GroupID = groupID

	items, err := s.contributionSvc.ListContributions(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
