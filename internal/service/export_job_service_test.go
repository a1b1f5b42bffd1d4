package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/dto"
	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/repository"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/jobs"
)

type exportQueueStub struct {
	mu   sync.Mutex
	jobs []ExportQueueJob
	err  error
}

func (q *exportQueueStub) Enqueue(job ExportQueueJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type generatorStub struct {
	err error
}

func (g generatorStub) Generate(context.Context, *models.ExportJob) (*ExportResult, error) {
	return nil, g.err
}

type exportJobFixture struct {
	repo     *repository.ExportJobRepository
	queue    *exportQueueStub
	exporter *ExportService
	service  *ExportJobService
	worker   *ExportWorker
	metrics  *MetricsService
}

func newExportJobFixture(t *testing.T) *exportJobFixture {
	t.Helper()
	repo := repository.NewExportJobRepository(newTestDB(t))
	exporter, _ := newExportServiceForTest(t, &changeSetStub{cs: sampleChangeSet()})
	queue := &exportQueueStub{}
	metrics := NewMetricsService()
	return &exportJobFixture{
		repo:     repo,
		queue:    queue,
		exporter: exporter,
		service:  NewExportJobService(repo, queue, exporter, zap.NewNop(), ExportJobConfig{ResultTTL: time.Hour}),
		worker:   NewExportWorker(repo, exporter, metrics, 3, zap.NewNop()),
		metrics:  metrics,
	}
}

func (f *exportJobFixture) create(t *testing.T, format models.ExportFormat) string {
	t.Helper()
	resp, err := f.service.CreateJob(context.Background(), dto.ExportRequest{Format: format}, "operator")
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, resp.Status)
	return resp.ID
}

func TestExportJobServiceLifecycle(t *testing.T) {
	f := newExportJobFixture(t)
	ctx := context.Background()

	id := f.create(t, models.ExportFormatMoodle)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, id, f.queue.jobs[0].ID)
	assert.Equal(t, models.ExportFormatMoodle, f.queue.jobs[0].Payload.Format)

	require.NoError(t, f.worker.Handle(ctx, f.queue.jobs[0]))

	status, err := f.service.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFinished, status.Status)
	assert.Equal(t, 100, status.Progress)
	assert.Nil(t, status.Error)
	require.Len(t, status.Files, 3)

	token := extractToken(status.Files[0])
	download, err := f.service.ResolveDownload(ctx, token)
	require.NoError(t, err)
	defer download.File.Close() //nolint:errcheck
	assert.Equal(t, "moodle.added.csv", download.Filename)
	assert.Equal(t, models.ExportFormatMoodle, download.Format)
	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cohort1;lastname")

	_, err = f.service.ResolveDownload(ctx, token+"x")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestExportJobServiceRejectsUnknownFormat(t *testing.T) {
	f := newExportJobFixture(t)

	_, err := f.service.CreateJob(context.Background(), dto.ExportRequest{Format: "ldif"}, "operator")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnsupportedType.Code, appErrors.FromError(err).Code)
	assert.Empty(t, f.queue.jobs)
}

func TestExportJobServiceEnqueueFailureMarksJobFailed(t *testing.T) {
	f := newExportJobFixture(t)
	f.queue.err = errors.New("queue full")

	_, err := f.service.CreateJob(context.Background(), dto.ExportRequest{Format: models.ExportFormatAD}, "operator")
	require.Error(t, err)

	queued, err := f.repo.ListQueued(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestExportJobServiceGetStatusUnknownJob(t *testing.T) {
	f := newExportJobFixture(t)

	_, err := f.service.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestExportJobServiceDownloadRequiresFinishedJob(t *testing.T) {
	f := newExportJobFixture(t)
	ctx := context.Background()
	id := f.create(t, models.ExportFormatAD)

	token, _, err := f.exporter.signer.Generate(id, id+"/ad.csv")
	require.NoError(t, err)
	files := models.StringList{"/api/v1/export/" + token}
	require.NoError(t, f.repo.Update(ctx, id, repository.UpdateExportJobParams{Files: &files}))

	_, err = f.service.ResolveDownload(ctx, token)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestExportWorkerNonRetryableFailure(t *testing.T) {
	f := newExportJobFixture(t)
	ctx := context.Background()
	id := f.create(t, models.ExportFormatAD)
	worker := NewExportWorker(f.repo, generatorStub{err: appErrors.Clone(appErrors.ErrInvalidRange, "invalid import range 3..2")}, f.metrics, 3, zap.NewNop())

	require.NoError(t, worker.Handle(ctx, ExportQueueJob{ID: id, Attempt: 1}))

	status, err := f.service.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "invalid import range")
}

func TestExportWorkerRetryableFailure(t *testing.T) {
	f := newExportJobFixture(t)
	ctx := context.Background()
	id := f.create(t, models.ExportFormatAD)
	worker := NewExportWorker(f.repo, generatorStub{err: errors.New("disk full")}, f.metrics, 3, zap.NewNop())

	require.Error(t, worker.Handle(ctx, ExportQueueJob{ID: id, Attempt: 1}))
	status, err := f.service.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusQueued, status.Status)
	assert.Zero(t, status.Progress)

	require.Error(t, worker.Handle(ctx, ExportQueueJob{ID: id, Attempt: 3}))
	status, err = f.service.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFailed, status.Status)
}

func TestExportWorkerGiveUp(t *testing.T) {
	f := newExportJobFixture(t)
	ctx := context.Background()
	id := f.create(t, models.ExportFormatRadius)

	f.worker.GiveUp(ctx, ExportQueueJob{ID: id}, errors.New("exhausted"))

	status, err := f.service.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Equal(t, "exhausted", *status.Error)
}

func TestExportJobServiceRecoverPendingJobs(t *testing.T) {
	f := newExportJobFixture(t)
	ctx := context.Background()
	first := f.create(t, models.ExportFormatAD)
	second := f.create(t, models.ExportFormatCards)
	f.queue.jobs = nil

	f.service.RecoverPendingJobs(ctx)

	ids := []string{}
	for _, job := range f.queue.jobs {
		ids = append(ids, job.ID)
	}
	assert.ElementsMatch(t, []string{first, second}, ids)
}

func TestExportJobServiceCleanupExpired(t *testing.T) {
	f := newExportJobFixture(t)
	ctx := context.Background()
	id := f.create(t, models.ExportFormatAD)
	require.NoError(t, f.worker.Handle(ctx, f.queue.jobs[0]))

	status, err := f.service.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Len(t, status.Files, 1)
	token := extractToken(status.Files[0])
	claims, err := f.exporter.ParseToken(token, false)
	require.NoError(t, err)

	longAgo := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, f.repo.Update(ctx, id, repository.UpdateExportJobParams{FinishedAt: &longAgo}))

	f.service.CleanupExpired(ctx)

	status, err = f.service.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, status.Files)
	_, err = f.exporter.Open(claims.Path)
	assert.Error(t, err)
}

func TestExportJobServiceQueuesRange(t *testing.T) {
	f := newExportJobFixture(t)
	oldID, newID := int64(2), int64(5)

	_, err := f.service.CreateJob(context.Background(), dto.ExportRequest{Format: models.ExportFormatRadius, OldImportID: &oldID, NewImportID: &newID}, "operator")
	require.NoError(t, err)
	require.Len(t, f.queue.jobs, 1)
	task := f.queue.jobs[0].Payload
	assert.Equal(t, models.ExportFormatRadius, task.Format)
	require.NotNil(t, task.Params.OldImportID)
	require.NotNil(t, task.Params.NewImportID)
	assert.Equal(t, oldID, *task.Params.OldImportID)
	assert.Equal(t, newID, *task.Params.NewImportID)
}

func TestExportJobServiceRecoverSkipsJobsInFlight(t *testing.T) {
	f := newExportJobFixture(t)
	f.create(t, models.ExportFormatAD)
	f.queue.err = fmt.Errorf("exports: %w", jobs.ErrAlreadyQueued)

	f.service.RecoverPendingJobs(context.Background())

	queued, err := f.repo.ListQueued(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestExportWorkerRejectsStaleTask(t *testing.T) {
	f := newExportJobFixture(t)
	ctx := context.Background()
	id := f.create(t, models.ExportFormatAD)

	require.NoError(t, f.worker.Handle(ctx, ExportQueueJob{ID: id, Payload: ExportTask{Format: models.ExportFormatMoodle}}))

	status, err := f.service.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "does not match")
}
