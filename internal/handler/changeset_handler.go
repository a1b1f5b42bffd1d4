package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/bbss-go/bbss/internal/dto"
	"github.com/bbss-go/bbss/internal/middleware"
	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/pkg/response"
)

type changesetService interface {
	Diff(ctx context.Context, oldID, newID *int64) (*models.ChangeSet, error)
}

// ChangesetHandler serves differences between imports.
type ChangesetHandler struct {
	changes changesetService
}

// NewChangesetHandler constructs ChangesetHandler.
func NewChangesetHandler(changes changesetService) *ChangesetHandler {
	return &ChangesetHandler{changes: changes}
}

// Get godoc
// @Summary Difference between two imports
// @Description Both endpoints default to the last two imports. old=0 returns every student of the new import.
// @Tags Changesets
// @Produce json
// @Param old query int false "Old import id"
// @Param new query int false "New import id"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /changesets [get]
func (h *ChangesetHandler) Get(c *gin.Context) {
	var query dto.ChangeSetQuery
	if !bindQuery(c, &query) {
		return
	}
	cs, err := h.changes.Diff(c.Request.Context(), query.Old, query.New)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.ChangeSet(c, cs, middleware.ExtractMeta(c))
}
