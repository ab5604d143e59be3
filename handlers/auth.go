package handlers

import (
	"github.com/gin-gonic/gin"

	"securechat/credential"
	"securechat/middleware"
	"securechat/models"
	"securechat/utils"
)

type RegisterRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	PublicKey   string `json:"public_key"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

type AuthResponse struct {
	Token string              `json:"token"`
	User  models.UserResponse `json:"user"`
}

func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	_, err := h.creds.Register(ctx, credential.RegisterInput{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		PublicKey:   req.PublicKey,
	})
	if err != nil {
		utils.Error(c, err)
		return
	}

	token, user, err := h.creds.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Created(c, AuthResponse{Token: token, User: *user.ToResponse()})
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	token, user, err := h.creds.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		utils.Error(c, err)
		return
	}

	utils.Success(c, AuthResponse{Token: token, User: *user.ToResponse()})
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.creds.Logout(c.Request.Context(), middleware.GetToken(c)); err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, nil)
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	err := h.creds.ChangePassword(c.Request.Context(), middleware.GetToken(c), req.OldPassword, req.NewPassword)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, nil)
}
