package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/dto"
	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/repository"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/jobs"
)

type exportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error)
}

// ExportTask is the queue payload of an export job: what to render and from
// which import range.
type ExportTask struct {
	Format models.ExportFormat
	Params models.ExportJobParams
}

// ExportQueueJob is an export job as it travels through the worker queue.
type ExportQueueJob = jobs.Job[ExportTask]

func queueJobFor(job *models.ExportJob) ExportQueueJob {
	return ExportQueueJob{ID: job.ID, Payload: ExportTask{Format: job.Format, Params: job.Params}}
}

type jobDispatcher interface {
	Enqueue(job ExportQueueJob) error
}

type exportGenerator interface {
	Generate(ctx context.Context, job *models.ExportJob) (*ExportResult, error)
}

// ExportJobService orchestrates export job lifecycle management.
type ExportJobService struct {
	repo     exportJobStore
	queue    jobDispatcher
	exporter *ExportService
	logger   *zap.Logger
	cfg      ExportJobConfig
}

// ExportJobConfig governs queue recovery and cleanup.
type ExportJobConfig struct {
	ResultTTL       time.Duration
	CleanupInterval time.Duration
}

// ExportDownload aggregates resolved download data.
type ExportDownload struct {
	File      *os.File
	Filename  string
	Format    models.ExportFormat
	ExpiresAt time.Time
}

// NewExportJobService constructs the export job service.
func NewExportJobService(repo exportJobStore, queue jobDispatcher, exporter *ExportService, logger *zap.Logger, cfg ExportJobConfig) *ExportJobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &ExportJobService{
		repo:     repo,
		queue:    queue,
		exporter: exporter,
		logger:   logger,
		cfg:      cfg,
	}
}

// CreateJob validates the request, persists the job and enqueues processing.
func (s *ExportJobService) CreateJob(ctx context.Context, req dto.ExportRequest, actor string) (*dto.ExportJobResponse, error) {
	if !req.Format.Valid() {
		return nil, appErrors.Clone(appErrors.ErrUnsupportedType, "unsupported export format")
	}
	job := &models.ExportJob{
		Format: req.Format,
		Params: models.ExportJobParams{
			OldImportID:              req.OldImportID,
			NewImportID:              req.NewImportID,
			ReplaceIllegalCharacters: req.ReplaceIllegalCharacters,
		},
		Status:    models.ExportStatusQueued,
		CreatedBy: actor,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}
	if err := s.queue.Enqueue(queueJobFor(job)); err != nil {
		status := models.ExportStatusFailed
		msg := "failed to enqueue job"
		now := time.Now().UTC()
		progress := 100
		_ = s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
			Status:     &status,
			Progress:   &progress,
			Error:      &msg,
			FinishedAt: &now,
		})
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}
	return &dto.ExportJobResponse{ID: job.ID, Format: job.Format, Status: job.Status, Progress: job.Progress}, nil
}

// GetStatus exposes job metadata to clients.
func (s *ExportJobService) GetStatus(ctx context.Context, id string) (*dto.ExportStatusResponse, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := &dto.ExportStatusResponse{
		ID:       job.ID,
		Format:   job.Format,
		Status:   job.Status,
		Progress: job.Progress,
		Files:    []string(job.Files),
	}
	if job.Error != "" {
		msg := job.Error
		resp.Error = &msg
	}
	return resp, nil
}

// ResolveDownload validates a token and opens the stored export file.
func (s *ExportJobService) ResolveDownload(ctx context.Context, token string) (*ExportDownload, error) {
	claims, err := s.exporter.ParseToken(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.load(ctx, claims.JobID)
	if err != nil {
		return nil, err
	}
	if !referencesToken(job.Files, token) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	if job.Status != models.ExportStatusFinished {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "export not ready")
	}
	file, err := s.exporter.Open(claims.Path)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export file")
	}
	return &ExportDownload{
		File:      file,
		Filename:  filepath.Base(claims.Path),
		Format:    job.Format,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// RecoverPendingJobs replays queued jobs (e.g. after process restart).
func (s *ExportJobService) RecoverPendingJobs(ctx context.Context) {
	pending, err := s.repo.ListQueued(ctx, 50)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover queued export jobs", "error", err)
		return
	}
	for i := range pending {
		job := &pending[i]
		err := s.queue.Enqueue(queueJobFor(job))
		switch {
		case errors.Is(err, jobs.ErrAlreadyQueued):
			s.logger.Sugar().Debugw("pending job already queued", "job_id", job.ID)
		case err != nil:
			s.logger.Sugar().Warnw("failed to requeue pending job", "job_id", job.ID, "error", err)
		}
	}
}

// StartCleanup boots a goroutine that purges expired exports periodically.
func (s *ExportJobService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanupExpired(ctx)
			}
		}
	}()
}

// CleanupExpired deletes the files of jobs finished longer than the result TTL ago.
func (s *ExportJobService) CleanupExpired(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ResultTTL)
	for {
		expired, err := s.repo.ListFinishedBefore(ctx, cutoff, 100)
		if err != nil {
			s.logger.Sugar().Warnw("cleanup list failed", "error", err)
			return
		}
		for _, job := range expired {
			for _, url := range job.Files {
				token := extractToken(url)
				if token == "" {
					continue
				}
				claims, err := s.exporter.ParseToken(token, true)
				if err != nil {
					continue
				}
				if err := s.exporter.Delete(claims.Path); err != nil {
					s.logger.Sugar().Warnw("cleanup delete failed", "job_id", job.ID, "error", err)
				}
			}
			none := models.StringList{}
			if err := s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{Files: &none}); err != nil {
				s.logger.Sugar().Warnw("cleanup update failed", "job_id", job.ID, "error", err)
				return
			}
		}
		if len(expired) < 100 {
			break
		}
	}
	if _, err := s.exporter.Cleanup(s.cfg.ResultTTL); err != nil {
		s.logger.Sugar().Warnw("filesystem cleanup failed", "error", err)
	}
}

func (s *ExportJobService) load(ctx context.Context, id string) (*models.ExportJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	if job == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}
	return job, nil
}

func referencesToken(urls []string, token string) bool {
	for _, url := range urls {
		if strings.HasSuffix(url, "/"+token) {
			return true
		}
	}
	return false
}

func extractToken(url string) string {
	if url == "" {
		return ""
	}
	parts := strings.Split(url, "/")
	return parts[len(parts)-1]
}

// ExportWorker bridges queue jobs to ExportService.
type ExportWorker struct {
	repo       exportJobStore
	exporter   exportGenerator
	metrics    *MetricsService
	logger     *zap.Logger
	maxRetries int
}

// NewExportWorker constructs a worker. metrics may be nil.
func NewExportWorker(repo exportJobStore, exporter exportGenerator, metrics *MetricsService, maxRetries int, logger *zap.Logger) *ExportWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ExportWorker{
		repo:       repo,
		exporter:   exporter,
		metrics:    metrics,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Handle renders the export a queue job describes. A task whose format no
// longer matches the stored job fails without retry.
func (w *ExportWorker) Handle(ctx context.Context, job ExportQueueJob) error {
	record, err := w.repo.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	if record == nil {
		w.logger.Sugar().Warnw("export job vanished", "job_id", job.ID, "format", job.Payload.Format)
		return nil
	}
	if task := job.Payload; task.Format != "" && task.Format != record.Format {
		w.markFailed(ctx, record, fmt.Sprintf("queued format %s does not match job format %s", task.Format, record.Format))
		return nil
	}
	w.logger.Sugar().Debugw("export job started", "job_id", job.ID, "format", record.Format,
		"old_import_id", record.Params.OldImportID, "new_import_id", record.Params.NewImportID, "attempt", job.Attempt)
	processing := models.ExportStatusProcessing
	progress := 10
	if err := w.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
		Status:   &processing,
		Progress: &progress,
	}); err != nil {
		return err
	}

	result, err := w.exporter.Generate(ctx, record)
	if err != nil {
		msg := err.Error()
		if job.Attempt >= w.maxRetries || !retryable(err) {
			w.markFailed(ctx, record, msg)
			if !retryable(err) {
				return nil
			}
		} else {
			queued := models.ExportStatusQueued
			reset := 0
			if updateErr := w.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
				Status:   &queued,
				Progress: &reset,
				Error:    &msg,
			}); updateErr != nil {
				w.logger.Sugar().Warnw("failed to mark job queued", "job_id", job.ID, "error", updateErr)
			}
		}
		return err
	}

	finished := models.ExportStatusFinished
	progress = 100
	now := time.Now().UTC()
	files := make(models.StringList, 0, len(result.Files))
	for _, file := range result.Files {
		files = append(files, file.URL)
	}
	clear := ""
	if err := w.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
		Status:     &finished,
		Progress:   &progress,
		Files:      &files,
		Error:      &clear,
		FinishedAt: &now,
	}); err != nil {
		w.logger.Sugar().Warnw("failed to mark job finished", "job_id", job.ID, "error", err)
		return err
	}
	w.metrics.ObserveExportJob(record.Format, finished)
	return nil
}

// GiveUp marks a job failed once the queue stops retrying it.
func (w *ExportWorker) GiveUp(ctx context.Context, job ExportQueueJob, err error) {
	record, loadErr := w.repo.GetByID(ctx, job.ID)
	if loadErr != nil || record == nil || record.Status == models.ExportStatusFailed {
		return
	}
	w.markFailed(ctx, record, err.Error())
}

func (w *ExportWorker) markFailed(ctx context.Context, record *models.ExportJob, msg string) {
	failed := models.ExportStatusFailed
	progress := 100
	now := time.Now().UTC()
	if updateErr := w.repo.Update(ctx, record.ID, repository.UpdateExportJobParams{
		Status:     &failed,
		Progress:   &progress,
		Error:      &msg,
		FinishedAt: &now,
	}); updateErr != nil {
		w.logger.Sugar().Warnw("failed to mark job failed", "job_id", record.ID, "error", updateErr)
	}
	w.metrics.ObserveExportJob(record.Format, failed)
}

// retryable reports whether running the job again could succeed. Client
// errors such as an invalid import range or format never will.
func retryable(err error) bool {
	appErr := appErrors.FromError(err)
	return appErr.Status >= 500
}
