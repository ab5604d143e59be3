package handlers

import (
	"github.com/gin-gonic/gin"

	"securechat/middleware"
	"securechat/models"
	"securechat/utils"
)

type OpenDirectRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type CreateGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type RenameGroupRequest struct {
	Name string `json:"name" binding:"required"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handler) GetConversations(c *gin.Context) {
	convs, err := h.engine.ListConversations(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		utils.Error(c, err)
		return
	}

	result := make([]*models.ConversationResponse, 0, len(convs))
	for i := range convs {
		result = append(result, convs[i].ToResponse())
	}
	utils.Success(c, result)
}

// OpenDirect returns the direct conversation with a friend, creating it on
// first use.
func (h *Handler) OpenDirect(c *gin.Context) {
	var req OpenDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	conv, err := h.engine.OpenDirect(c.Request.Context(), middleware.GetUserID(c), req.UserID)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, conv.ToResponse())
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	conv, err := h.engine.CreateGroup(c.Request.Context(), middleware.GetUserID(c), req.Name, req.MemberIDs)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Created(c, conv.ToResponse())
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.engine.Get(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, conv)
}

func (h *Handler) RenameGroup(c *gin.Context) {
	var req RenameGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	conv, err := h.engine.RenameGroup(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), req.Name)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, conv.ToResponse())
}

func (h *Handler) GetMembers(c *gin.Context) {
	members, err := h.engine.Members(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, members)
}

func (h *Handler) AddMember(c *gin.Context) {
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	if err := h.engine.AddMember(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), req.UserID); err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, nil)
}

func (h *Handler) RemoveMember(c *gin.Context) {
	if err := h.engine.RemoveMember(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), c.Param("uid")); err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, nil)
}

func (h *Handler) LeaveGroup(c *gin.Context) {
	if err := h.engine.LeaveGroup(c.Request.Context(), c.Param("id"), middleware.GetUserID(c)); err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, nil)
}
