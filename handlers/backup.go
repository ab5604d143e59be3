package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"securechat/middleware"
	"securechat/models"
	"securechat/utils"
)

const maxArchiveSize = int64(50 * 1024 * 1024)

func backupFilename(b *models.Backup) string {
	return fmt.Sprintf("securechat-backup-%s.json", b.CreatedAt.UTC().Format("20060102T150405Z"))
}

func sendArchive(c *gin.Context, b *models.Backup) {
	c.Header("Content-Disposition", `attachment; filename="`+backupFilename(b)+`"`)
	c.Header("X-Backup-Checksum", b.Checksum)
	c.Data(http.StatusOK, "application/json", b.Data)
}

// ExportBackup builds a fresh archive of the caller's history and downloads it.
func (h *Handler) ExportBackup(c *gin.Context) {
	userID := middleware.GetUserID(c)
	b, err := h.backups.Export(c.Request.Context(), userID, userID)
	if err != nil {
		utils.Error(c, err)
		return
	}
	sendArchive(c, b)
}

// GetLatestBackup downloads the caller's most recent stored archive, or
// reports its metadata when ?meta=1 is given.
func (h *Handler) GetLatestBackup(c *gin.Context) {
	userID := middleware.GetUserID(c)
	b, err := h.backups.Latest(c.Request.Context(), userID, userID)
	if err != nil {
		utils.Error(c, err)
		return
	}
	if c.Query("meta") == "1" {
		utils.Success(c, b)
		return
	}
	sendArchive(c, b)
}

// ImportBackup accepts the archive either as a multipart "file" field or as
// the raw request body.
func (h *Handler) ImportBackup(c *gin.Context) {
	data, err := readArchive(c)
	if err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	res, err := h.backups.Import(c.Request.Context(), middleware.GetUserID(c), data)
	if err != nil {
		utils.Error(c, err)
		return
	}
	utils.Success(c, res)
}

func readArchive(c *gin.Context) ([]byte, error) {
	var src io.Reader
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			return nil, errors.New("no file uploaded")
		}
		defer file.Close()
		if header.Size > maxArchiveSize {
			return nil, errors.New("file too large (max 50MB)")
		}
		src = file
	} else {
		src = c.Request.Body
	}

	data, err := io.ReadAll(io.LimitReader(src, maxArchiveSize+1))
	if err != nil {
		return nil, errors.New("failed to read archive")
	}
	if int64(len(data)) > maxArchiveSize {
		return nil, errors.New("file too large (max 50MB)")
	}
	if len(data) == 0 {
		return nil, errors.New("empty archive")
	}
	return data, nil
}
