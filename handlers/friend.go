package handlers

import (
	"github.com/gin-gonic/gin"

	"securechat/middleware"
	"securechat/models"
	"securechat/utils"
)

// FriendRequest names the recipient by id or by username.
type FriendRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (h *Handler) GetFriends(c *gin.Context) {
	friends, err := h.graph.ListFriends(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		utils.Error(c, err)
		return
	}

	result := make([]models.UserResponse, 0, len(friends))
	for i := range friends {
		result = append(result, *friends[i].ToResponse())
	}
	utils.Success(c, result)
}

func (h *Handler) GetFriendRequests(c *gin.Context) {
	requests, err := h.graph.ListPending(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		utils.Error(c, err)
		return
	}
	if requests == nil {
		requests = []models.FriendRequestWithUser{}
	}
	utils.Success(c, requests)
}

func (h *Handler) GetSentRequests(c *gin.Context) {
	requests, err := h.graph.ListSent(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		utils.Error(c, err)
		return
	}
	if requests == nil {
		requests = []models.FriendRequestWithUser{}
	}
	utils.Success(c, requests)
}

func (h *Handler) SendFriendRequest(c *gin.Context) {
	var req FriendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	to := req.UserID
	if to == "" {
		if req.Username == "" {
			utils.BadRequest(c, "user_id or username is required")
			return
		}
		user, err := h.creds.LookupByUsername(ctx, req.Username)
		if err != nil {
			utils.Error(c, err)
			return
		}
		to = user.ID
	}

	fr, err := h.graph.SendRequest(ctx, middleware.GetUserID(c), to)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Created(c, fr)
}

func (h *Handler) AcceptFriendRequest(c *gin.Context) {
	h.respond(c, true)
}

func (h *Handler) RejectFriendRequest(c *gin.Context) {
	h.respond(c, false)
}

func (h *Handler) respond(c *gin.Context, accept bool) {
	fr, err := h.graph.Respond(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), accept)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, fr)
}
