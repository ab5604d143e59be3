package middleware

import (
	"github.com/gin-gonic/gin"

	"securechat/credential"
	"securechat/utils"
)

func AuthMiddleware(store *credential.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.Unauthorized(c, "missing authorization header")
			return
		}

		token, ok := utils.BearerToken(authHeader)
		if !ok {
			utils.Unauthorized(c, "invalid authorization header format")
			return
		}

		userID, err := store.Validate(c.Request.Context(), token)
		if err != nil {
			utils.Error(c, err)
			return
		}

		c.Set("user_id", userID)
		c.Set("token", token)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	return c.GetString("user_id")
}

func GetToken(c *gin.Context) string {
	return c.GetString("token")
}
