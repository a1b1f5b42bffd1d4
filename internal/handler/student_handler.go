package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bbss-go/bbss/internal/dto"
	"github.com/bbss-go/bbss/internal/models"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/response"
)

type directoryService interface {
	Search(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error)
	History(ctx context.Context, studentID int64) (*models.StudentHistory, error)
}

// StudentHandler exposes student lookups.
type StudentHandler struct {
	students directoryService
}

// NewStudentHandler constructs StudentHandler.
func NewStudentHandler(students directoryService) *StudentHandler {
	return &StudentHandler{students: students}
}

// List godoc
// @Summary Search students
// @Tags Students
// @Produce json
// @Param q query string false "Matches names, class and username"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /students [get]
func (h *StudentHandler) List(c *gin.Context) {
	var query dto.StudentSearchQuery
	if !bindQuery(c, &query) {
		return
	}
	students, pagination, err := h.students.Search(c.Request.Context(), models.StudentFilter{
		Pattern:  query.Q,
		Page:     query.Page,
		PageSize: query.PageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, students, pagination)
}

// History godoc
// @Summary Student class history
// @Tags Students
// @Produce json
// @Param id path int true "Student ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /students/{id}/history [get]
func (h *StudentHandler) History(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid student id"))
		return
	}
	history, err := h.students.History(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}
