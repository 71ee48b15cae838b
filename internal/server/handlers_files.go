package server

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/files"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

const (
	uploadFormField = "file"
	// largest per-type ceiling accepted by the files service, plus one byte to detect overflow
	maxUploadBytes = 100 << 20
)

type bulkDeleteRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=100,dive,uuid"`
}

type bulkDeleteResponse struct {
	Deleted int `json:"deleted"`
}

func (h *httpHandler) handleUpload(c *gin.Context, actor users.Actor) error {
	header, err := c.FormFile(uploadFormField)
	if err != nil {
		return apperrors.ValidationFields("No file provided", map[string][]string{uploadFormField: {"is required"}})
	}
	file, err := header.Open()
	if err != nil {
		return apperrors.Validation("Upload could not be read")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return apperrors.Validation("Upload could not be read")
	}
	if len(data) > maxUploadBytes {
		return apperrors.Validation("File too large")
	}

	attachment, err := h.files.Upload(c.Request.Context(), actor, files.UploadInput{
		Name:         header.Filename,
		DeclaredType: header.Header.Get("Content-Type"),
		Data:         data,
		ItemID:       strings.TrimSpace(c.PostForm("item_id")),
		SpaceID:      strings.TrimSpace(c.PostForm("space_id")),
	})
	if err != nil {
		return err
	}
	respondOK(c, http.StatusCreated, attachment, "File uploaded")
	return nil
}

func (h *httpHandler) handleListFiles(c *gin.Context, actor users.Actor) error {
	var filter files.ListFilter
	if err := h.bindQuery(c, &filter); err != nil {
		return err
	}
	attachments, err := h.files.List(c.Request.Context(), actor, filter)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, attachments, "")
	return nil
}

func (h *httpHandler) handleBulkDeleteFiles(c *gin.Context, actor users.Actor) error {
	var request bulkDeleteRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	deleted, err := h.files.BulkDelete(c.Request.Context(), actor, request.IDs)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, bulkDeleteResponse{Deleted: deleted}, "Files deleted")
	return nil
}

// handleServeFile serves objects written by the local object store.
func (h *httpHandler) handleServeFile(c *gin.Context) error {
	objectPath := strings.TrimPrefix(c.Param("path"), "/")
	data, err := h.localFiles.Open(objectPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperrors.NotFound("File")
		}
		return apperrors.NotFound("File").WithContext("cause", err.Error())
	}
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
	return nil
}
