package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bbss-go/bbss/internal/dto"
	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/parser"
	"github.com/bbss-go/bbss/internal/service"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/response"
)

type importServiceMock struct {
	label, format string
	body          string
	opts          service.ImportOptions
	result        *models.ImportResult
	err           error
}

func (m *importServiceMock) ImportReader(_ context.Context, label, format string, r io.Reader, opts service.ImportOptions) (*models.ImportResult, error) {
	data, _ := io.ReadAll(r)
	m.label, m.format, m.body, m.opts = label, format, string(data), opts
	return m.result, m.err
}

func (m *importServiceMock) ListImports(context.Context) ([]models.Import, error) {
	return []models.Import{{ID: 1, Filename: "roster.csv", Students: 2}}, nil
}

type changesetServiceMock struct {
	oldID, newID *int64
	err          error
}

func (m *changesetServiceMock) Diff(_ context.Context, oldID, newID *int64) (*models.ChangeSet, error) {
	m.oldID, m.newID = oldID, newID
	if m.err != nil {
		return models.NewChangeSet(0, 0), m.err
	}
	cs := models.NewChangeSet(1, 2)
	cs.ClassesAdded = []string{"9B"}
	return cs, nil
}

type directoryServiceMock struct {
	filter models.StudentFilter
}

func (m *directoryServiceMock) Search(_ context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	m.filter = filter
	return []models.Student{{ID: 7, Surname: "Liddell"}}, &models.Pagination{Page: 1, PageSize: 50, TotalCount: 1}, nil
}

func (m *directoryServiceMock) History(_ context.Context, id int64) (*models.StudentHistory, error) {
	if id != 7 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}
	return &models.StudentHistory{Student: models.Student{ID: 7}}, nil
}

type exportJobServiceMock struct {
	req      dto.ExportRequest
	actor    string
	download *service.ExportDownload
	err      error
}

func (m *exportJobServiceMock) CreateJob(_ context.Context, req dto.ExportRequest, actor string) (*dto.ExportJobResponse, error) {
	m.req, m.actor = req, actor
	if m.err != nil {
		return nil, m.err
	}
	return &dto.ExportJobResponse{ID: "job-1", Format: req.Format, Status: models.ExportStatusQueued}, nil
}

func (m *exportJobServiceMock) GetStatus(_ context.Context, id string) (*dto.ExportStatusResponse, error) {
	return &dto.ExportStatusResponse{ID: id, Status: models.ExportStatusFinished, Progress: 100}, nil
}

func (m *exportJobServiceMock) ResolveDownload(context.Context, string) (*service.ExportDownload, error) {
	if m.download == nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	return m.download, nil
}

type mailDifferMock struct {
	users []parser.MoodleUser
}

func (m *mailDifferMock) MailDifferences(_ context.Context, users []parser.MoodleUser) (*models.Artifact, error) {
	m.users = users
	return &models.Artifact{Name: "maildiff.csv", ContentType: "text/csv; charset=windows-1252", Data: []byte("Nachname;Vorname\n")}, nil
}

type retentionServiceMock struct {
	cutoff  time.Time
	expired bool
}

func (m *retentionServiceMock) PurgeExpired(context.Context) (*service.PurgeResult, error) {
	m.expired = true
	return &service.PurgeResult{Removed: 1}, nil
}

func (m *retentionServiceMock) PurgeUnseenSince(_ context.Context, cutoff time.Time) (*service.PurgeResult, error) {
	m.cutoff = cutoff
	return &service.PurgeResult{Cutoff: cutoff, Removed: 2}, nil
}

type apiFixture struct {
	router     *gin.Engine
	token      string
	imports    *importServiceMock
	changesets *changesetServiceMock
	students   *directoryServiceMock
	exports    *exportJobServiceMock
	mails      *mailDifferMock
	retention  *retentionServiceMock
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("geheim"), bcrypt.MinCost)
	require.NoError(t, err)
	auth := service.NewAuthService(nil, nil, service.AuthConfig{
		AccessTokenSecret: "test-secret",
		Username:          "office",
		PasswordHash:      string(hash),
	})
	login, err := auth.Login(context.Background(), models.LoginRequest{Username: "office", Password: "geheim"})
	require.NoError(t, err)

	f := &apiFixture{
		token:      login.AccessToken,
		imports:    &importServiceMock{result: &models.ImportResult{ImportID: 3, State: models.ImportStateCommitted}},
		changesets: &changesetServiceMock{},
		students:   &directoryServiceMock{},
		exports:    &exportJobServiceMock{},
		mails:      &mailDifferMock{},
		retention:  &retentionServiceMock{},
	}
	f.router = gin.New()
	RegisterRoutes(f.router, "/api/v1", Handlers{
		Auth:        NewAuthHandler(auth),
		Imports:     NewImportHandler(f.imports),
		Changesets:  NewChangesetHandler(f.changesets),
		Students:    NewStudentHandler(f.students),
		Exports:     NewExportHandler(f.exports, f.mails),
		Maintenance: NewMaintenanceHandler(f.retention),
		Metrics:     NewMetricsHandler(service.NewMetricsService(), nil),
	}, auth)
	return f
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	if f.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(method, path string, payload interface{}) *http.Request {
	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartRequest(t *testing.T, path, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestLoginAndMe(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(jsonRequest(http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "office", "password": "falsch"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(jsonRequest(http.MethodGet, "/api/v1/auth/me", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"office"`)

	req := jsonRequest(http.MethodGet, "/api/v1/changesets", nil)
	req.Header.Set("Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
}

func TestImportUpload(t *testing.T) {
	f := newAPIFixture(t)

	req := multipartRequest(t, "/api/v1/imports", "schueler.csv", "KL_NAME,NNAME,VNAME,GEBDAT\n", map[string]string{"resume_import_id": "3"})
	w := f.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "schueler.csv", f.imports.label)
	assert.Equal(t, parser.FormatCSV, f.imports.format)
	assert.Equal(t, int64(3), f.imports.opts.ResumeImportID)
	assert.True(t, strings.HasPrefix(f.imports.body, "KL_NAME"))

	bad := multipartRequest(t, "/api/v1/imports", "schueler.csv", "x", map[string]string{"format": "json"})
	assert.Equal(t, http.StatusBadRequest, f.do(bad).Code)

	f.imports.err = appErrors.Clone(appErrors.ErrImportFailed, "parse import")
	failed := multipartRequest(t, "/api/v1/imports", "schueler.csv", "x", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(failed).Code)

	list := f.do(jsonRequest(http.MethodGet, "/api/v1/imports", nil))
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "roster.csv")
}

func TestChangesetQuery(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(jsonRequest(http.MethodGet, "/api/v1/changesets?old=0&new=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, f.changesets.oldID)
	assert.Equal(t, int64(0), *f.changesets.oldID)
	assert.Equal(t, int64(2), *f.changesets.newID)
	assert.Contains(t, w.Body.String(), `"classes_added":["9B"]`)
	assert.Contains(t, w.Body.String(), `"full_snapshot":false`)
	assert.Contains(t, w.Body.String(), `"students_added":0`)
	assert.Equal(t, "1..2", w.Header().Get(response.ImportRangeHeader))

	w = f.do(jsonRequest(http.MethodGet, "/api/v1/changesets", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, f.changesets.oldID)
	assert.Nil(t, f.changesets.newID)

	assert.Equal(t, http.StatusBadRequest, f.do(jsonRequest(http.MethodGet, "/api/v1/changesets?old=-1", nil)).Code)

	f.changesets.err = appErrors.Clone(appErrors.ErrInvalidRange, "invalid import range 3..2")
	w = f.do(jsonRequest(http.MethodGet, "/api/v1/changesets?old=3&new=2", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), appErrors.ErrInvalidRange.Code)
}

func TestStudentEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(jsonRequest(http.MethodGet, "/api/v1/students?q=lidd&page=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lidd", f.students.filter.Pattern)
	assert.Equal(t, 2, f.students.filter.Page)
	assert.Contains(t, w.Body.String(), `"total_count":1`)

	assert.Equal(t, http.StatusBadRequest, f.do(jsonRequest(http.MethodGet, "/api/v1/students?page_size=1000", nil)).Code)
	assert.Equal(t, http.StatusOK, f.do(jsonRequest(http.MethodGet, "/api/v1/students/7/history", nil)).Code)
	assert.Equal(t, http.StatusNotFound, f.do(jsonRequest(http.MethodGet, "/api/v1/students/8/history", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(jsonRequest(http.MethodGet, "/api/v1/students/abc/history", nil)).Code)
}

func TestExportEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(jsonRequest(http.MethodPost, "/api/v1/exports", dto.ExportRequest{Format: models.ExportFormatMoodle}))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/exports/job-1", w.Header().Get("Location"))
	assert.Equal(t, "office", f.exports.actor)
	assert.Equal(t, models.ExportFormatMoodle, f.exports.req.Format)

	assert.Equal(t, http.StatusBadRequest, f.do(jsonRequest(http.MethodPost, "/api/v1/exports", map[string]string{})).Code)

	w = f.do(jsonRequest(http.MethodGet, "/api/v1/exports/job-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"FINISHED"`)

	w = f.do(jsonRequest(http.MethodGet, "/api/v1/exports/formats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "webuntis")
}

func TestExportDownload(t *testing.T) {
	f := newAPIFixture(t)
	f.token = ""

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/export/bad-token", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	path := filepath.Join(t.TempDir(), "ad.csv")
	require.NoError(t, os.WriteFile(path, []byte("Class;Name\n"), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)
	f.exports.download = &service.ExportDownload{File: file, Filename: "ad.csv", Format: models.ExportFormatAD}

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/export/good-token", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Class;Name\n", w.Body.String())
	assert.Equal(t, `attachment; filename="ad.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestMailDiffUpload(t *testing.T) {
	f := newAPIFixture(t)

	req := multipartRequest(t, "/api/v1/exports/maildiff", "users.csv",
		"username,email,firstname,lastname\nifa11.mueljoer,j@moodle.example,Jörg,Müller\n", nil)
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, f.mails.users, 1)
	assert.Equal(t, "Müller", f.mails.users[0].LastName)
	assert.Equal(t, `attachment; filename="maildiff.csv"`, w.Header().Get("Content-Disposition"))

	broken := multipartRequest(t, "/api/v1/exports/maildiff", "users.csv", "name\nx\n", nil)
	assert.Equal(t, http.StatusBadRequest, f.do(broken).Code)
}

func TestPurge(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(jsonRequest(http.MethodPost, "/api/v1/maintenance/purge", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.retention.expired)

	w = f.do(jsonRequest(http.MethodPost, "/api/v1/maintenance/purge", dto.PurgeRequest{Cutoff: "2019-08-01"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC), f.retention.cutoff)

	w = f.do(jsonRequest(http.MethodPost, "/api/v1/maintenance/purge", dto.PurgeRequest{Cutoff: "01.08.2019"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	f.token = ""

	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/ready", nil)).Code)
	w := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bbss_students_purged_total")
}
