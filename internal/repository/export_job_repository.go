package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/bbss-go/bbss/internal/models"
)

const exportJobColumns = `id, format, params, status, progress, files, error, created_by, created_at, finished_at`

// ExportJobRepository persists export job metadata.
type ExportJobRepository struct {
	db *sqlx.DB
}

// NewExportJobRepository constructs the repository.
func NewExportJobRepository(db *sqlx.DB) *ExportJobRepository {
	return &ExportJobRepository{db: db}
}

// Create inserts a new export job row with generated defaults.
func (r *ExportJobRepository) Create(ctx context.Context, job *models.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.ExportStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Files == nil {
		job.Files = models.StringList{}
	}
	const query = `INSERT INTO export_jobs (id, format, params, status, progress, files, error, created_by, created_at, finished_at)
VALUES (:id, :format, :params, :status, :progress, :files, :error, :created_by, :created_at, :finished_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

// GetByID returns a job row by its identifier, or nil.
func (r *ExportJobRepository) GetByID(ctx context.Context, id string) (*models.ExportJob, error) {
	query := r.db.Rebind(`SELECT ` + exportJobColumns + ` FROM export_jobs WHERE id = ?`)
	var job models.ExportJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get export job: %w", err)
	}
	return &job, nil
}

// UpdateExportJobParams defines the mutable fields.
type UpdateExportJobParams struct {
	Status     *models.ExportStatus
	Progress   *int
	Files      *models.StringList
	Error      *string
	FinishedAt *time.Time
}

// Update persists the provided changes for a job row.
func (r *ExportJobRepository) Update(ctx context.Context, id string, params UpdateExportJobParams) error {
	set := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	if params.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *params.Status)
	}
	if params.Progress != nil {
		set = append(set, "progress = ?")
		args = append(args, *params.Progress)
	}
	if params.Files != nil {
		set = append(set, "files = ?")
		args = append(args, *params.Files)
	}
	if params.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *params.Error)
	}
	if params.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, params.FinishedAt.UTC())
	}

	if len(set) == 0 {
		return nil
	}

	query := r.db.Rebind(fmt.Sprintf("UPDATE export_jobs SET %s WHERE id = ?", strings.Join(set, ", ")))
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	return nil
}

// ListQueued fetches queued jobs so they can be re-enqueued after a restart.
func (r *ExportJobRepository) ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := r.db.Rebind(`SELECT ` + exportJobColumns + ` FROM export_jobs
WHERE status = ? ORDER BY created_at ASC LIMIT ?`)
	var jobs []models.ExportJob
	if err := r.db.SelectContext(ctx, &jobs, query, models.ExportStatusQueued, limit); err != nil {
		return nil, fmt.Errorf("list queued export jobs: %w", err)
	}
	return jobs, nil
}

// ListFinishedBefore returns finished jobs that still reference files and
// completed before cutoff.
func (r *ExportJobRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.Rebind(`SELECT ` + exportJobColumns + ` FROM export_jobs
WHERE status = ? AND finished_at IS NOT NULL AND finished_at < ? AND files <> '[]'
ORDER BY finished_at ASC LIMIT ?`)
	var jobs []models.ExportJob
	if err := r.db.SelectContext(ctx, &jobs, query, models.ExportStatusFinished, cutoff.UTC(), limit); err != nil {
		return nil, fmt.Errorf("list finished export jobs: %w", err)
	}
	return jobs, nil
}
