package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"securechat/models"
)

type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: "ok", Message: "success", Data: data})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: "ok", Message: "created", Data: data})
}

func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Response{Code: "bad_request", Message: message})
}

func Unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Code: "unauthorized", Message: message})
}

func Forbidden(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusForbidden, Response{Code: "forbidden", Message: message})
}

func NotFound(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusNotFound, Response{Code: "not_found", Message: message})
}

func InternalError(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, Response{Code: "internal", Message: message})
}

// Status maps an error kind to its HTTP status.
func Status(err error) int {
	switch models.KindOf(err) {
	case models.KindInvalid:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindAuthorization:
		switch models.CodeOf(err) {
		case models.ErrSessionExpired.Code, models.ErrSessionNotFound.Code, models.ErrInvalidCredentials.Code:
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case models.KindConflict:
		return http.StatusConflict
	case models.KindIntegrity:
		if models.CodeOf(err) == models.ErrArchiveCorrupt.Code {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	case models.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides the text of internal failures from clients.
func PublicMessage(err error) string {
	if models.KindOf(err) == models.KindInternal {
		return "internal error"
	}
	var e *models.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Error writes err with the status of its kind. Integrity and internal
// failures are logged before the response is sent.
func Error(c *gin.Context, err error) {
	status := Status(err)
	switch models.KindOf(err) {
	case models.KindIntegrity, models.KindInternal, models.KindUnavailable:
		log.Error().Err(err).Str("path", c.FullPath()).Str("code", models.CodeOf(err)).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, Response{Code: models.CodeOf(err), Message: PublicMessage(err)})
}
