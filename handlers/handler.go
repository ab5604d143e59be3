// Package handlers exposes the messenger operations over HTTP.
package handlers

import (
	"github.com/gin-gonic/gin"

	"securechat/backup"
	"securechat/chat"
	"securechat/credential"
	"securechat/middleware"
	"securechat/social"
)

type Handler struct {
	creds   *credential.Store
	graph   *social.Graph
	engine  *chat.Engine
	backups *backup.Service
}

func New(creds *credential.Store, graph *social.Graph, engine *chat.Engine, backups *backup.Service) *Handler {
	return &Handler{creds: creds, graph: graph, engine: engine, backups: backups}
}

// Routes mounts every API route on r.
func (h *Handler) Routes(r gin.IRouter) {
	api := r.Group("/api")

	auth := api.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
	}

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(h.creds))
	{
		protected.POST("/auth/logout", h.Logout)
		protected.PUT("/auth/password", h.ChangePassword)

		protected.GET("/users/me", h.GetCurrentUser)
		protected.DELETE("/users/me", h.DisableAccount)
		protected.GET("/users/search", h.SearchUsers)
		protected.GET("/users/by-name/:username", h.GetUserByName)
		protected.GET("/users/:id", h.GetUser)

		protected.GET("/friends", h.GetFriends)
		protected.GET("/friends/requests", h.GetFriendRequests)
		protected.GET("/friends/requests/sent", h.GetSentRequests)
		protected.POST("/friends/requests", h.SendFriendRequest)
		protected.POST("/friends/requests/:id/accept", h.AcceptFriendRequest)
		protected.POST("/friends/requests/:id/reject", h.RejectFriendRequest)

		protected.GET("/conversations", h.GetConversations)
		protected.POST("/conversations/direct", h.OpenDirect)
		protected.POST("/conversations/group", h.CreateGroup)
		protected.GET("/conversations/:id", h.GetConversation)
		protected.PUT("/conversations/:id", h.RenameGroup)
		protected.GET("/conversations/:id/members", h.GetMembers)
		protected.POST("/conversations/:id/members", h.AddMember)
		protected.DELETE("/conversations/:id/members/:uid", h.RemoveMember)
		protected.POST("/conversations/:id/leave", h.LeaveGroup)

		protected.GET("/conversations/:id/messages", h.GetMessages)
		protected.POST("/conversations/:id/messages", h.SendMessage)

		protected.POST("/backups", h.ExportBackup)
		protected.GET("/backups/latest", h.GetLatestBackup)
		protected.POST("/backups/import", h.ImportBackup)
	}
}
