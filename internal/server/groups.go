package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	groupdomain "github.com/smallbiznis/tontine/internal/group/domain"
)

// CreateGroup bootstraps a group together with its organizer. There is no
// session to require: the organizer's member record is created here.
func (s *Server) CreateGroup(c *gin.Context) {
	var req groupdomain.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	created, err := s.groupSvc.CreateGroup(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"group": created})
}

// JoinGroup adds a member to a forming group by join code. Public for the
// same reason as CreateGroup: the joiner has no session yet.
func (s *Server) JoinGroup(c *gin.Context) {
	var req groupdomain.JoinGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	member, err := s.groupSvc.JoinGroup(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"member": member})
}

func (s *Server) GetGroup(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	found, err := s.groupSvc.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"group": found})
}

// GetGroupStatus is the reconciliation view: who has paid into the current
// cycle, who is outstanding, and the last payout.
func (s *Server) GetGroupStatus(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.groupSvc.GetGroupStatus(c.Request.Context(), groupID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) ActivateGroup(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	activated, err := s.groupSvc.ActivateGroup(c.Request.Context(), groupID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"group": activated})
}

func (s *Server) CloseGroup(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	closed, err := s.groupSvc.CloseGroup(c.Request.Context(), groupID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"group": closed})
}

func (s *Server) ListGroupMembers(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	members, err := s.groupSvc.ListMembers(c.Request.Context(), groupID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": members})
}

func (s *Server) UpdateGroupMember(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	memberID, err := parseIDParam(c, "member_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req groupdomain.UpdateMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.GroupID = groupID
	req.MemberID = memberID

	updated, err := s.groupSvc.UpdateMember(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"member": updated})
}

func (s *Server) DepartGroupMember(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	memberID, err := parseIDParam(c, "member_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	departed, err := s.groupSvc.DepartMember(c.Request.Context(), groupID, memberID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"member": departed})
}

func (s *Server) ListGroupCycles(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cycles, err := s.cycleSvc.ListCycles(c.Request.Context(), groupID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": cycles})
}

func (s *Server) GetGroupCycle(c *gin.Context) {
	groupID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	number, err := parseIntParam(c, "number")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.cycleSvc.GetCycle(c.Request.Context(), groupID, number)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}
