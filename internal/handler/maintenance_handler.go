package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bbss-go/bbss/internal/dto"
	"github.com/bbss-go/bbss/internal/service"
	"github.com/bbss-go/bbss/pkg/response"
)

type retentionService interface {
	PurgeExpired(ctx context.Context) (*service.PurgeResult, error)
	PurgeUnseenSince(ctx context.Context, cutoff time.Time) (*service.PurgeResult, error)
}

// MaintenanceHandler exposes store housekeeping.
type MaintenanceHandler struct {
	retention retentionService
}

// NewMaintenanceHandler constructs MaintenanceHandler.
func NewMaintenanceHandler(retention retentionService) *MaintenanceHandler {
	return &MaintenanceHandler{retention: retention}
}

// Purge godoc
// @Summary Purge students absent since a cutoff
// @Description Removes students without a membership in any import on or after the cutoff. Without a cutoff the configured retention period applies.
// @Tags Maintenance
// @Accept json
// @Produce json
// @Param payload body dto.PurgeRequest false "Cutoff date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /maintenance/purge [post]
func (h *MaintenanceHandler) Purge(c *gin.Context) {
	var req dto.PurgeRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	var (
		result *service.PurgeResult
		err    error
	)
	if req.Cutoff == "" {
		result, err = h.retention.PurgeExpired(c.Request.Context())
	} else {
		cutoff, _ := time.Parse("2006-01-02", req.Cutoff)
		result, err = h.retention.PurgeUnseenSince(c.Request.Context(), cutoff)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
