package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/models"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

type directoryStore interface {
	SearchStudents(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error)
	GetStudent(ctx context.Context, id int64) (*models.Student, error)
	ClassHistory(ctx context.Context, studentID int64) ([]models.ClassObservation, error)
	ImportsContaining(ctx context.Context, surname, firstName string, birthDate models.Date) ([]models.Import, error)
}

// DirectoryService answers lookups against the stored students.
type DirectoryService struct {
	store  directoryStore
	logger *zap.Logger
}

// NewDirectoryService constructs the service.
func NewDirectoryService(store directoryStore, logger *zap.Logger) *DirectoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryService{store: store, logger: logger}
}

// Search returns one page of students matching the filter.
func (s *DirectoryService) Search(ctx context.Context, filter models.StudentFilter) ([]models.Student, *models.Pagination, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 50
	}
	filter.Pattern = strings.TrimSpace(filter.Pattern)

	students, total, err := s.store.SearchStudents(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "search students")
	}
	return students, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// History returns a student with the imports listing them and the class held in each.
// Entry and exit dates are the dates of the first and last such import.
func (s *DirectoryService) History(ctx context.Context, studentID int64) (*models.StudentHistory, error) {
	student, err := s.store.GetStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "load student")
	}
	if student == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
	}

	classes, err := s.store.ClassHistory(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "load class history")
	}
	imports, err := s.store.ImportsContaining(ctx, student.Surname, student.FirstName, student.BirthDate)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "load imports")
	}

	history := &models.StudentHistory{Student: *student, Imports: imports, Classes: classes}
	if history.Imports == nil {
		history.Imports = []models.Import{}
	}
	if history.Classes == nil {
		history.Classes = []models.ClassObservation{}
	}
	if len(classes) > 0 {
		history.EntryDate = classes[0].ImportedAt
		history.ExitDate = classes[len(classes)-1].ImportedAt
	}
	return history, nil
}
