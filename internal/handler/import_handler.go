package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bbss-go/bbss/internal/dto"
	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/parser"
	"github.com/bbss-go/bbss/internal/service"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/response"
)

type importService interface {
	ImportReader(ctx context.Context, label, format string, r io.Reader, opts service.ImportOptions) (*models.ImportResult, error)
	ListImports(ctx context.Context) ([]models.Import, error)
}

// ImportHandler accepts roster uploads.
type ImportHandler struct {
	imports importService
}

// NewImportHandler constructs ImportHandler.
func NewImportHandler(imports importService) *ImportHandler {
	return &ImportHandler{imports: imports}
}

// Upload godoc
// @Summary Import a roster file
// @Description Parses the uploaded roster and reconciles it into a new import. The request blocks until the import is committed or failed.
// @Tags Imports
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Roster file"
// @Param format formData string false "csv, verwaltung or excel; detected from the file name when empty"
// @Param resume_import_id formData int false "Re-run the records into the latest import"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /imports [post]
func (h *ImportHandler) Upload(c *gin.Context) {
	var form dto.ImportUploadForm
	if err := c.ShouldBind(&form); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid import form"))
		return
	}
	if !validateRequest(c, &form) {
		return
	}
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

	format := form.Format
	if format == "" {
		format = parser.DetectFormat(fileHeader.Filename)
	}
	opts := service.ImportOptions{}
	if form.ResumeImportID != nil {
		opts.ResumeImportID = *form.ResumeImportID
	}

	result, err := h.imports.ImportReader(c.Request.Context(), fileHeader.Filename, format, src, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, result, nil)
}

// List godoc
// @Summary List imports
// @Tags Imports
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /imports [get]
func (h *ImportHandler) List(c *gin.Context) {
	imports, err := h.imports.ListImports(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, imports, nil)
}
