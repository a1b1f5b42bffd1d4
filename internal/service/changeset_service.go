package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/models"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

type changesetStore interface {
	LastImportID(ctx context.Context) (int64, error)
	MembersOfImport(ctx context.Context, importID int64) ([]models.Student, error)
	ClassChangesInRange(ctx context.Context, oldID, newID int64) ([]models.ClassChange, error)
	DistinctClasses(ctx context.Context, importID int64) ([]string, error)
}

// ChangesetService computes the difference between two imports.
type ChangesetService struct {
	store   changesetStore
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
}

// NewChangesetService constructs the service. cache and metrics may be nil.
func NewChangesetService(store changesetStore, cache *CacheService, metrics *MetricsService, logger *zap.Logger) *ChangesetService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangesetService{store: store, cache: cache, metrics: metrics, logger: logger}
}

// Resolve fills omitted endpoints. Both omitted means the last two imports,
// an omitted new endpoint means the latest import and an omitted old endpoint
// means the import right before new.
func (s *ChangesetService) Resolve(ctx context.Context, oldID, newID *int64) (int64, int64, error) {
	last, err := s.store.LastImportID(ctx)
	if err != nil {
		return 0, 0, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "read last import")
	}

	var o, n int64
	switch {
	case oldID == nil && newID == nil:
		o, n = last-1, last
	case newID == nil:
		o, n = *oldID, last
	case oldID == nil:
		o, n = *newID-1, *newID
	default:
		o, n = *oldID, *newID
	}

	if o < 0 || n < 1 || o >= n || n > last {
		return o, n, appErrors.Clone(appErrors.ErrInvalidRange,
			fmt.Sprintf("invalid import range %d..%d (last import %d)", o, n, last))
	}
	return o, n, nil
}

// Diff returns the change set between two imports. An old endpoint of 0 asks
// for every student of the new import instead of a difference.
// An invalid range yields an empty change set together with the error.
func (s *ChangesetService) Diff(ctx context.Context, oldID, newID *int64) (*models.ChangeSet, error) {
	o, n, err := s.Resolve(ctx, oldID, newID)
	if err != nil {
		s.logger.Error("change set not computed", zap.Int64("old", o), zap.Int64("new", n), zap.Error(err))
		return models.NewChangeSet(o, n), err
	}

	if cached := s.cache.GetChangeSet(ctx, o, n); cached != nil {
		return cached, nil
	}

	start := time.Now()
	var cs *models.ChangeSet
	if o == 0 {
		cs, err = s.snapshot(ctx, n)
	} else {
		cs, err = s.difference(ctx, o, n)
	}
	s.metrics.ObserveDBQuery("changeset", time.Since(start))
	if err != nil {
		return models.NewChangeSet(o, n), appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "compute change set")
	}

	s.logger.Debug("change set computed",
		zap.Int64("old", o),
		zap.Int64("new", n),
		zap.Int("added", len(cs.StudentsAdded)),
		zap.Int("removed", len(cs.StudentsRemoved)),
		zap.Int("changed", len(cs.StudentsChanged)),
	)
	s.cache.PutChangeSet(ctx, cs)
	return cs, nil
}

func (s *ChangesetService) snapshot(ctx context.Context, importID int64) (*models.ChangeSet, error) {
	cs := models.NewChangeSet(0, importID)
	cs.FullSnapshot = true

	members, err := s.store.MembersOfImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	classes, err := s.store.DistinctClasses(ctx, importID)
	if err != nil {
		return nil, err
	}
	cs.StudentsAdded = append(cs.StudentsAdded, members...)
	models.SortStudents(cs.StudentsAdded)
	cs.ClassesAdded = append(cs.ClassesAdded, classes...)
	sort.Strings(cs.ClassesAdded)
	return cs, nil
}

func (s *ChangesetService) difference(ctx context.Context, oldID, newID int64) (*models.ChangeSet, error) {
	cs := models.NewChangeSet(oldID, newID)

	oldMembers, err := s.members(ctx, oldID)
	if err != nil {
		return nil, err
	}
	newMembers, err := s.members(ctx, newID)
	if err != nil {
		return nil, err
	}

	for id, student := range newMembers {
		if _, ok := oldMembers[id]; !ok {
			cs.StudentsAdded = append(cs.StudentsAdded, student)
		}
	}
	for id, student := range oldMembers {
		if _, ok := newMembers[id]; !ok {
			cs.StudentsRemoved = append(cs.StudentsRemoved, student)
		}
	}
	models.SortStudents(cs.StudentsAdded)
	models.SortStudents(cs.StudentsRemoved)

	changes, err := s.store.ClassChangesInRange(ctx, oldID, newID)
	if err != nil {
		return nil, err
	}
	// Later changes overwrite earlier ones; only the net move is reported.
	latest := make(map[int64]models.ClassChange, len(changes))
	for _, change := range changes {
		latest[change.StudentID] = change
	}
	for id := range latest {
		before, inOld := oldMembers[id]
		after, inNew := newMembers[id]
		if !inOld || !inNew || before.ClassName == after.ClassName {
			continue
		}
		cs.StudentsChanged = append(cs.StudentsChanged, models.StudentChange{
			Student:      after,
			OldClassName: before.ClassName,
			NewClassName: after.ClassName,
		})
	}
	sort.SliceStable(cs.StudentsChanged, func(i, j int) bool {
		return cs.StudentsChanged[i].Less(cs.StudentsChanged[j].Student)
	})

	oldClasses, err := s.store.DistinctClasses(ctx, oldID)
	if err != nil {
		return nil, err
	}
	newClasses, err := s.store.DistinctClasses(ctx, newID)
	if err != nil {
		return nil, err
	}
	cs.ClassesAdded = append(cs.ClassesAdded, missingFrom(newClasses, oldClasses)...)
	cs.ClassesRemoved = append(cs.ClassesRemoved, missingFrom(oldClasses, newClasses)...)
	return cs, nil
}

// members keys an import's students by resolved student id.
func (s *ChangesetService) members(ctx context.Context, importID int64) (map[int64]models.Student, error) {
	students, err := s.store.MembersOfImport(ctx, importID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]models.Student, len(students))
	for _, student := range students {
		out[student.ID] = student
	}
	return out, nil
}

// missingFrom returns the sorted elements of a missing from b.
func missingFrom(a, b []string) []string {
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		seen[v] = struct{}{}
	}
	out := []string{}
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			out = append(out, v)
			seen[v] = struct{}{}
		}
	}
	sort.Strings(out)
	return out
}
