package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
	operatordomain "github.com/smallbiznis/tontine/internal/operator/domain"
	partnerdomain "github.com/smallbiznis/tontine/internal/partner/domain"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
)

func (s *Server) ListOperatorGroups(c *gin.Context) {
	var req groupdomain.ListGroupsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	groups, total, err := s.groupSvc.ListGroups(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": groups, "total": total})
}

func (s *Server) ListOperatorPayouts(c *gin.Context) {
	var req payoutdomain.ListPayoutsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	groupID, err := parseOptionalSnowflakeID(c.Query("group_id"))
	if err != nil {
		AbortWithError(c, newValidationError("group_id", "invalid_group_id", "invalid group_id"))
		return
	}
	if groupID != nil {
		req.GroupID = *groupID
	}

	payouts, err := s.payoutSvc.ListPayouts(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payouts})
}

// RetryOperatorPayout puts a failed payout back into the dispatch queue with
// a fresh attempt budget.
func (s *Server) RetryOperatorPayout(c *gin.Context) {
	payoutID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payout, err := s.payoutSvc.RetryFailed(c.Request.Context(), payoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": payout})
}

func (s *Server) ListOperatorSettlements(c *gin.Context) {
	var req partnerdomain.ListSettlementsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	settlements, err := s.partnerSvc.ListSettlements(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlements})
}

// RollupOperatorSettlements runs the daily rollup on demand. An optional
// as_of replays a past window; the rollup is idempotent per window so a
// replay of a closed day creates nothing.
func (s *Server) RollupOperatorSettlements(c *gin.Context) {
	asOf := time.Now().UTC()
	if raw := c.Query("as_of"); raw != "" {
		parsed, err := parseOptionalTime(raw, false)
		if err != nil {
			AbortWithError(c, newValidationError("as_of", "invalid_as_of", "invalid as_of"))
			return
		}
		asOf = *parsed
	}

	report, err := s.partnerSvc.RollupDaily(c.Request.Context(), asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) SettleOperatorSettlement(c *gin.Context) {
	settlementID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	settlement, err := s.partnerSvc.Settle(c.Request.Context(), settlementID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": settlement})
}

// SweepOperatorCycles forces one reconciliation pass over every active
// group, the same pass the scheduler runs.
func (s *Server) SweepOperatorCycles(c *gin.Context) {
	report, err := s.cycleSvc.SweepActiveGroups(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) GetOperatorRates(c *gin.Context) {
	if s.ratesSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	quote, err := s.ratesSvc.Current(c.Request.Context())
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

func (s *Server) RefreshOperatorRates(c *gin.Context) {
	if s.ratesSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	quote, err := s.ratesSvc.Refresh(c.Request.Context())
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

func (s *Server) ListOperatorKeys(c *gin.Context) {
	keys, err := s.operatorSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": keys})
}

// CreateOperatorKey mints a new key. The plaintext secret appears in this
// response and nowhere else.
func (s *Server) CreateOperatorKey(c *gin.Context) {
	var req operatordomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	created, err := s.operatorSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (s *Server) RotateOperatorKey(c *gin.Context) {
	rotated, err := s.operatorSvc.Rotate(c.Request.Context(), c.Param("key_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, rotated)
}

func (s *Server) RevokeOperatorKey(c *gin.Context) {
	if err := s.operatorSvc.Revoke(c.Request.Context(), c.Param("key_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
