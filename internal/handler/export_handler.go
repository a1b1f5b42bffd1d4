package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bbss-go/bbss/internal/dto"
	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/parser"
	"github.com/bbss-go/bbss/internal/service"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/response"
)

type exportJobService interface {
	CreateJob(ctx context.Context, req dto.ExportRequest, actor string) (*dto.ExportJobResponse, error)
	GetStatus(ctx context.Context, id string) (*dto.ExportStatusResponse, error)
	ResolveDownload(ctx context.Context, token string) (*service.ExportDownload, error)
}

type mailDiffer interface {
	MailDifferences(ctx context.Context, users []parser.MoodleUser) (*models.Artifact, error)
}

// ExportHandler exposes export job endpoints and signed downloads.
type ExportHandler struct {
	jobs  exportJobService
	mails mailDiffer
}

// NewExportHandler constructs ExportHandler.
func NewExportHandler(jobs exportJobService, mails mailDiffer) *ExportHandler {
	return &ExportHandler{jobs: jobs, mails: mails}
}

// Create godoc
// @Summary Queue an export
// @Description Renders the change set between two imports for one downstream system.
// @Tags Exports
// @Accept json
// @Produce json
// @Param payload body dto.ExportRequest true "Export request"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /exports [post]
func (h *ExportHandler) Create(c *gin.Context) {
	var req dto.ExportRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.jobs.CreateJob(c.Request.Context(), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, resp, c.FullPath()+"/"+resp.ID)
}

// Formats godoc
// @Summary List export formats
// @Tags Exports
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /exports/formats [get]
func (h *ExportHandler) Formats(c *gin.Context) {
	response.JSON(c, http.StatusOK, service.ExportFormatNames(), nil)
}

// Status godoc
// @Summary Export job status
// @Tags Exports
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /exports/{id} [get]
func (h *ExportHandler) Status(c *gin.Context) {
	resp, err := h.jobs.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, resp, nil)
}

// Download godoc
// @Summary Download an export file
// @Description The token is part of the signed link listed on a finished job.
// @Tags Exports
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /export/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	download, err := h.jobs.ResolveDownload(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck

	info, err := download.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat export file"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", download.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), contentTypeFor(download.Filename), download.File, nil)
}

// MailDiff godoc
// @Summary Compare Moodle mail addresses
// @Description Lists students whose stored address differs from the one in a Moodle user download.
// @Tags Exports
// @Accept multipart/form-data
// @Produce text/csv
// @Param file formData file true "Moodle user download"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /exports/maildiff [post]
func (h *ExportHandler) MailDiff(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close() //nolint:errcheck

	users, err := parser.ReadMoodleUsers(src)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid moodle user list"))
		return
	}
	artifact, err := h.mails.MailDifferences(c.Request.Context(), users)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", artifact.Name))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, int64(len(artifact.Data)), artifact.ContentType, bytes.NewReader(artifact.Data), nil)
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".csv"):
		return "text/csv; charset=utf-8"
	case strings.HasSuffix(filename, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(filename, ".users"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
