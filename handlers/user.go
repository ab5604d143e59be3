package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"securechat/middleware"
	"securechat/models"
	"securechat/utils"
)

const defaultSearchLimit = 20

func (h *Handler) GetCurrentUser(c *gin.Context) {
	user, err := h.creds.Lookup(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, user)
}

// DisableAccount soft-disables the caller and revokes all of their sessions.
func (h *Handler) DisableAccount(c *gin.Context) {
	if err := h.creds.Disable(c.Request.Context(), middleware.GetUserID(c)); err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, nil)
}

func (h *Handler) SearchUsers(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		utils.BadRequest(c, "search query is required")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultSearchLimit)))
	if err != nil || limit <= 0 || limit > 100 {
		limit = defaultSearchLimit
	}

	users, err := h.creds.Search(c.Request.Context(), query, limit)
	if err != nil {
		utils.Error(c, err)
		return
	}

	me := middleware.GetUserID(c)
	result := make([]models.UserResponse, 0, len(users))
	for i := range users {
		if users[i].ID == me {
			continue
		}
		result = append(result, *users[i].ToResponse())
	}
	utils.Success(c, result)
}

func (h *Handler) GetUser(c *gin.Context) {
	user, err := h.creds.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, user.ToResponse())
}

func (h *Handler) GetUserByName(c *gin.Context) {
	user, err := h.creds.LookupByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, user.ToResponse())
}
