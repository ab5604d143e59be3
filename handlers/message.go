package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"securechat/middleware"
	"securechat/models"
	"securechat/utils"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type SendMessageRequest struct {
	Body string `json:"body"`
}

type MessagePage struct {
	Messages  []*models.Message `json:"messages"`
	NextSince int64             `json:"next_since"`
	HasMore   bool              `json:"has_more"`
}

// GetMessages returns up to limit messages with seq greater than since, in
// sequence order. Clients page by passing next_since back as since.
func (h *Handler) GetMessages(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		utils.BadRequest(c, "invalid since")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit <= 0 {
		utils.BadRequest(c, "invalid limit")
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	history, err := h.engine.FetchHistory(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), since)
	if err != nil {
		utils.Error(c, err)
		return
	}

	page := MessagePage{Messages: make([]*models.Message, 0, limit), NextSince: since}
	for msg, err := range history {
		if err != nil {
			utils.Error(c, err)
			return
		}
		if len(page.Messages) == limit {
			page.HasMore = true
			break
		}
		page.Messages = append(page.Messages, msg)
		page.NextSince = msg.Seq
	}

	utils.Success(c, page)
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	msg, err := h.engine.PostMessage(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), req.Body)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Created(c, msg)
}
