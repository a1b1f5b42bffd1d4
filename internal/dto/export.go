package dto

import "github.com/bbss-go/bbss/internal/models"

// ExportRequest captures POST /exports payload.
type ExportRequest struct {
	Format                   models.ExportFormat `json:"format" validate:"required"`
	OldImportID              *int64              `json:"old_import_id,omitempty" validate:"omitempty,min=0"`
	NewImportID              *int64              `json:"new_import_id,omitempty" validate:"omitempty,min=1"`
	ReplaceIllegalCharacters bool                `json:"replace_illegal_characters,omitempty"`
}

// ExportJobResponse is returned after enqueueing an export.
type ExportJobResponse struct {
	ID       string              `json:"id"`
	Format   models.ExportFormat `json:"format"`
	Status   models.ExportStatus `json:"status"`
	Progress int                 `json:"progress"`
}

// ExportStatusResponse exposes job progress metadata.
type ExportStatusResponse struct {
	ID       string              `json:"id"`
	Format   models.ExportFormat `json:"format"`
	Status   models.ExportStatus `json:"status"`
	Progress int                 `json:"progress"`
	Files    []string            `json:"files,omitempty"`
	Error    *string             `json:"error,omitempty"`
}
