package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tontine/internal/authorization"
	payoutdomain "github.com/smallbiznis/tontine/internal/payout/domain"
)

func (s *Server) ListGroupPayouts(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req payoutdomain.ListPayoutsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.GroupID = groupID

	payouts, err := s.payoutSvc.ListPayouts(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payouts})
}

// GetPayout serves a single payout to a member of its group. The ownership
// check runs before casbin so a member can never probe another group's
// payout ids.
func (s *Server) GetPayout(c *gin.Context) {
	sess := sessionFromContext(c)
	if sess == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	payoutID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payout, err := s.payoutSvc.GetPayout(c.Request.Context(), payoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if payout.GroupID != sess.GroupID {
		AbortWithError(c, ErrForbidden)
		return
	}

	if err := s.authorizeSessionAction(c, sess, authorization.ObjectPayout, authorization.ActionPayoutView); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": payout})
}

// DownloadPayoutReceipt streams the rendered PDF for a confirmed payout.
func (s *Server) DownloadPayoutReceipt(c *gin.Context) {
	sess := sessionFromContext(c)
	if sess == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	payoutID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payout, err := s.payoutSvc.GetPayout(c.Request.Context(), payoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if payout.GroupID != sess.GroupID {
		AbortWithError(c, ErrForbidden)
		return
	}

	if err := s.authorizeSessionAction(c, sess, authorization.ObjectReceipt, authorization.ActionReceiptView); err != nil {
		AbortWithError(c, err)
		return
	}

	doc, err := s.receiptSvc.PayoutReceipt(c.Request.Context(), payoutID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.FileName))
	c.Data(http.StatusOK, doc.ContentType, doc.Bytes)
}
