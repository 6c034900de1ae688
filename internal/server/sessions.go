package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	sessiondomain "github.com/smallbiznis/tontine/internal/session/domain"
)

// CreateSession is the member login: group + msisdn + pin + device in, raw
// token out. The token appears in this response and nowhere else.
func (s *Server) CreateSession(c *gin.Context) {
	var req sessiondomain.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.sessionSvc.Login(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// RevokeCurrentSession invalidates the token that authenticated this
// request. Logging out a device the member no longer holds goes through the
// organizer instead.
func (s *Server) RevokeCurrentSession(c *gin.Context) {
	token := strings.TrimSpace(c.GetHeader(HeaderSessionToken))
	if token == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if err := s.sessionSvc.Revoke(c.Request.Context(), token); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
