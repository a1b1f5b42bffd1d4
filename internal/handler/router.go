package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/bbss-go/bbss/internal/middleware"
	"github.com/bbss-go/bbss/internal/models"
)

// Handlers groups every HTTP handler mounted under the API prefix.
type Handlers struct {
	Auth        *AuthHandler
	Imports     *ImportHandler
	Changesets  *ChangesetHandler
	Students    *StudentHandler
	Exports     *ExportHandler
	Maintenance *MaintenanceHandler
	Metrics     *MetricsHandler
}

// RegisterRoutes mounts the API. Signed export downloads stay outside the
// JWT group because the token itself authorises them.
func RegisterRoutes(r gin.IRouter, prefix string, h Handlers, auth middleware.TokenValidator) {
	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", h.Metrics.Ready)
	r.GET("/metrics", h.Metrics.Prometheus)

	api := r.Group(prefix)
	api.Use(middleware.WithResponseMeta())
	api.POST("/auth/login", h.Auth.Login)
	api.GET("/export/:token", h.Exports.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(auth), middleware.RequireRoles(models.RoleOperator))
	secured.GET("/auth/me", h.Auth.Me)

	secured.POST("/imports", h.Imports.Upload)
	secured.GET("/imports", h.Imports.List)

	secured.GET("/changesets", h.Changesets.Get)

	secured.GET("/students", h.Students.List)
	secured.GET("/students/:id/history", h.Students.History)

	secured.GET("/exports/formats", h.Exports.Formats)
	secured.POST("/exports/maildiff", h.Exports.MailDiff)
	secured.POST("/exports", h.Exports.Create)
	secured.GET("/exports/:id", h.Exports.Status)

	secured.POST("/maintenance/purge", h.Maintenance.Purge)
	secured.GET("/metrics/snapshot", h.Metrics.Snapshot)
}
