package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/naming"
	"github.com/bbss-go/bbss/internal/parser"
	"github.com/bbss-go/bbss/internal/repository"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/events"
)

type snapshotStore interface {
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
	RunInTx(ctx context.Context, fn func(tx *repository.SnapshotTx) error) error
	CreateImport(ctx context.Context, filename string, at time.Time) (*models.Import, error)
	LastImportID(ctx context.Context) (int64, error)
	GetImport(ctx context.Context, id int64) (*models.Import, error)
	ListImports(ctx context.Context) ([]models.Import, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// ImportPolicy mirrors the credential and mail switches of the import configuration.
type ImportPolicy struct {
	AlwaysOverwriteCredentials bool
	AlwaysImportEmail          bool
}

// ImportOptions tunes a single run.
type ImportOptions struct {
	// ResumeImportID re-runs records into an existing import instead of opening a new one.
	// Only the most recent import can be resumed.
	ResumeImportID int64
	Progress       models.ProgressFunc
}

// ImportService drives one import from parsing to commit. Imports run one at a time.
type ImportService struct {
	store     snapshotStore
	names     *naming.Engine
	validator *validator.Validate
	cache     *CacheService
	metrics   *MetricsService
	events    eventPublisher
	logger    *zap.Logger
	policy    ImportPolicy
	now       func() time.Time
}

// NewImportService constructs the import orchestrator.
func NewImportService(store snapshotStore, names *naming.Engine, policy ImportPolicy, cache *CacheService, metrics *MetricsService, publisher eventPublisher, logger *zap.Logger) *ImportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if names == nil {
		names = naming.New(naming.DefaultRules())
	}
	return &ImportService{
		store:     store,
		names:     names,
		validator: validator.New(),
		cache:     cache,
		metrics:   metrics,
		events:    publisher,
		logger:    logger,
		policy:    policy,
		now:       time.Now,
	}
}

// ImportFile opens path and imports it. An empty format is detected from the extension.
func (s *ImportService) ImportFile(ctx context.Context, path, format string, opts ImportOptions) (*models.ImportResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	if format == "" {
		format = parser.DetectFormat(path)
	}
	return s.ImportReader(ctx, filepath.Base(path), format, file, opts)
}

// ImportReader parses the whole input before the store is touched, so a
// malformed file leaves no trace.
func (s *ImportService) ImportReader(ctx context.Context, label, format string, r io.Reader, opts ImportOptions) (*models.ImportResult, error) {
	result := &models.ImportResult{Source: label, State: models.ImportStateParsing, StartedAt: s.now().UTC()}

	src, err := parser.Open(format, r, parser.Options{Logger: s.logger, Validator: s.validator})
	if err != nil {
		return s.fail(ctx, result, appErrors.Wrap(err, appErrors.ErrUnsupportedType.Code, appErrors.ErrUnsupportedType.Status, "cannot read import"))
	}
	defer src.Close() //nolint:errcheck

	records, rejected, err := parser.ReadAll(src)
	if err != nil {
		return s.fail(ctx, result, appErrors.Wrap(err, appErrors.ErrImportFailed.Code, appErrors.ErrImportFailed.Status, "parse import"))
	}
	for _, re := range rejected {
		s.logger.Warn("import record rejected", zap.String("source", label), zap.Int("line", re.Line), zap.String("reason", re.Error()))
	}
	result.Skipped = len(rejected)

	return s.reconcileAll(ctx, result, records, opts)
}

// ImportRecords imports already parsed records.
func (s *ImportService) ImportRecords(ctx context.Context, label string, records []models.ImportRecord, opts ImportOptions) (*models.ImportResult, error) {
	result := &models.ImportResult{Source: label, State: models.ImportStateParsing, StartedAt: s.now().UTC()}
	return s.reconcileAll(ctx, result, records, opts)
}

// accepted drops rows that never reach the store: deleted and teacher rows,
// ignored classes and surnames marked with a trailing underscore.
func (s *ImportService) accepted(records []models.ImportRecord) ([]models.ImportRecord, int) {
	kept := make([]models.ImportRecord, 0, len(records))
	skipped := 0
	for _, rec := range records {
		reason := ""
		switch {
		case rec.Deleted:
			reason = "deleted"
		case rec.Teacher:
			reason = "teacher"
		case strings.HasSuffix(rec.Surname, "_"):
			reason = "marked surname"
		case s.names.IsIgnoredClass(rec.ClassName):
			reason = "ignored class"
		}
		if reason != "" {
			s.logger.Debug("import record filtered", zap.Int("line", rec.Line), zap.String("class", rec.ClassName), zap.String("reason", reason))
			skipped++
			continue
		}
		kept = append(kept, rec)
	}
	return kept, skipped
}

func (s *ImportService) reconcileAll(ctx context.Context, result *models.ImportResult, records []models.ImportRecord, opts ImportOptions) (*models.ImportResult, error) {
	records, filtered := s.accepted(records)
	result.Skipped += filtered
	result.Total = len(records)

	err := s.store.Exclusive(ctx, func(ctx context.Context) error {
		imp, err := s.beginImport(ctx, result.Source, opts.ResumeImportID)
		if err != nil {
			return err
		}
		result.ImportID = imp.ID
		result.State = models.ImportStateReconciling

		prevID, err := s.previousImport(ctx, imp.ID)
		if err != nil {
			return err
		}

		usernames := make(map[string][]int64, len(records))
		for i, rec := range records {
			if opts.Progress != nil {
				opts.Progress(i, len(records))
			}
			outcome, student, err := s.ReconcileStudent(ctx, imp.ID, prevID, rec)
			if err != nil {
				result.Failed = len(records) - i
				return fmt.Errorf("reconcile line %d: %w", rec.Line, err)
			}
			result.Succeeded++
			if outcome.Inserted {
				result.Inserted++
			}
			if outcome.Transferred {
				result.Transferred++
			}
			if outcome.Regenerated {
				result.Regenerated++
			}
			usernames[student.Username] = appendUnique(usernames[student.Username], student.ID)
		}
		if opts.Progress != nil {
			opts.Progress(len(records), len(records))
		}
		result.Duplicates = s.duplicateUsernames(usernames)
		return nil
	})
	if err != nil {
		return s.fail(ctx, result, err)
	}
	return s.commit(ctx, result)
}

func (s *ImportService) beginImport(ctx context.Context, label string, resumeID int64) (*models.Import, error) {
	if resumeID == 0 {
		imp, err := s.store.CreateImport(ctx, label, s.now())
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "begin import")
		}
		return imp, nil
	}
	last, err := s.store.LastImportID(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "resume import")
	}
	if resumeID != last {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("only the latest import (%d) can be resumed", last))
	}
	imp, err := s.store.GetImport(ctx, resumeID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "resume import")
	}
	if imp == nil {
		return nil, appErrors.ErrNotFound
	}
	s.logger.Info("resuming import", zap.Int64("import_id", imp.ID), zap.String("source", imp.Filename))
	return imp, nil
}

func (s *ImportService) previousImport(ctx context.Context, importID int64) (int64, error) {
	var prev int64
	err := s.store.RunInTx(ctx, func(tx *repository.SnapshotTx) error {
		var err error
		prev, err = tx.PreviousImportID(ctx, importID)
		return err
	})
	return prev, err
}

// ReconcileStudent merges one record into the store within its own transaction
// and binds the student to importID. Calling it again for the same import is a no-op
// apart from field refreshes.
func (s *ImportService) ReconcileStudent(ctx context.Context, importID, prevImportID int64, rec models.ImportRecord) (models.ReconcileOutcome, models.Student, error) {
	var (
		outcome models.ReconcileOutcome
		student models.Student
	)
	rec.GUID = canonicalGUID(rec.GUID)
	email := s.verifiedEmail(rec)
	if naming.HasNonASCII(s.names.Normalize(rec.Surname + rec.FirstName)) {
		s.logger.Warn("name keeps non-ASCII characters after normalization",
			zap.Int("line", rec.Line), zap.String("surname", rec.Surname), zap.String("first_name", rec.FirstName))
	}

	err := s.store.RunInTx(ctx, func(tx *repository.SnapshotTx) error {
		outcome = models.ReconcileOutcome{}
		existing, err := s.match(ctx, tx, rec)
		if err != nil {
			return err
		}

		if existing == nil {
			student = models.Student{
				Surname:   rec.Surname,
				FirstName: rec.FirstName,
				ClassName: rec.ClassName,
				BirthDate: rec.BirthDate,
				Email:     email,
				GUID:      rec.GUID,
				Courses:   rec.Courses,
			}
			if _, err := s.names.AssignCredentials(&student, true); err != nil {
				return fmt.Errorf("generate credentials: %w", err)
			}
			if err := tx.InsertStudent(ctx, &student); err != nil {
				return err
			}
			outcome.Inserted = true
		} else {
			student = *existing
			if err := s.merge(ctx, tx, importID, prevImportID, rec, email, &student, &outcome); err != nil {
				return err
			}
		}
		outcome.StudentID = student.ID

		member, err := tx.InImport(ctx, student.ID, importID)
		if err != nil {
			return err
		}
		if member {
			return nil
		}
		return tx.InsertMembership(ctx, models.Membership{StudentID: student.ID, ImportID: importID, ClassName: rec.ClassName})
	})
	return outcome, student, err
}

// match finds the stored student for rec: durable identifier first, then
// surname, first name and birthdate. A name match already bound to another
// identifier is a second enrollment and yields no match.
func (s *ImportService) match(ctx context.Context, tx *repository.SnapshotTx, rec models.ImportRecord) (*models.Student, error) {
	if rec.GUID != "" {
		found, err := tx.FindByGUID(ctx, rec.GUID)
		if err != nil || found != nil {
			return found, err
		}
	}
	found, err := tx.FindByIdentity(ctx, rec.Surname, rec.FirstName, rec.BirthDate)
	if err != nil || found == nil {
		return found, err
	}
	if rec.GUID != "" && found.GUID != "" && !strings.EqualFold(found.GUID, rec.GUID) {
		s.logger.Info("dual enrollment detected",
			zap.Int64("student_id", found.ID),
			zap.String("existing_class", found.ClassName),
			zap.String("class", rec.ClassName),
		)
		return nil, nil
	}
	return found, nil
}

func (s *ImportService) merge(ctx context.Context, tx *repository.SnapshotTx, importID, prevImportID int64, rec models.ImportRecord, email string, student *models.Student, outcome *models.ReconcileOutcome) error {
	alreadyMember, err := tx.InImport(ctx, student.ID, importID)
	if err != nil {
		return err
	}

	switch {
	case student.GUID == "" && rec.GUID != "":
		student.GUID = rec.GUID
		outcome.Rebound = true
	case strings.EqualFold(student.GUID, rec.GUID):
		student.GUID = rec.GUID
	}

	// The identifier outlives the name: a marriage or a corrected typo renames
	// the stored row instead of forking a new one.
	if rec.GUID != "" && strings.EqualFold(student.GUID, rec.GUID) &&
		(student.Surname != rec.Surname || student.FirstName != rec.FirstName) {
		s.logger.Info("student renamed",
			zap.Int64("student_id", student.ID),
			zap.String("from", student.Surname+", "+student.FirstName),
			zap.String("to", rec.Surname+", "+rec.FirstName),
		)
		student.Surname = rec.Surname
		student.FirstName = rec.FirstName
		outcome.Renamed = true
	}

	if student.ClassName != rec.ClassName {
		recorded, err := tx.ClassChangeExists(ctx, student.ID, importID)
		if err != nil {
			return err
		}
		if !recorded {
			if err := tx.InsertClassChange(ctx, models.ClassChange{StudentID: student.ID, ImportID: importID, OldClassName: student.ClassName}); err != nil {
				return err
			}
		}
		s.logger.Debug("student changed class",
			zap.Int64("student_id", student.ID),
			zap.String("from", student.ClassName),
			zap.String("to", rec.ClassName),
		)
		student.ClassName = rec.ClassName
		outcome.Transferred = true
	}

	if email != "" && (student.Email == "" || s.policy.AlwaysImportEmail) {
		student.Email = email
	}
	if rec.Courses != "" {
		student.Courses = rec.Courses
	}

	regenerate := false
	if !alreadyMember {
		regenerate = s.policy.AlwaysOverwriteCredentials
		if !regenerate {
			seen := false
			if prevImportID > 0 {
				if seen, err = tx.InImport(ctx, student.ID, prevImportID); err != nil {
					return err
				}
			}
			regenerate = !seen
		}
	}
	written, err := s.names.AssignCredentials(student, regenerate)
	if err != nil {
		return fmt.Errorf("generate credentials: %w", err)
	}
	outcome.Regenerated = written

	return tx.UpdateStudent(ctx, *student)
}

func (s *ImportService) verifiedEmail(rec models.ImportRecord) string {
	if rec.Email == "" {
		return ""
	}
	email := s.names.VerifyMailAddress(rec.Email)
	if email == "" {
		s.logger.Warn("invalid mail address dropped", zap.Int("line", rec.Line), zap.String("email", rec.Email))
	}
	return email
}

func (s *ImportService) duplicateUsernames(usernames map[string][]int64) []string {
	var duplicates []string
	for username, ids := range usernames {
		if len(ids) > 1 {
			duplicates = append(duplicates, username)
			s.logger.Warn("username assigned to several students", zap.String("username", username), zap.Int64s("student_ids", ids))
		}
	}
	sort.Strings(duplicates)
	return duplicates
}

func (s *ImportService) commit(ctx context.Context, result *models.ImportResult) (*models.ImportResult, error) {
	result.State = models.ImportStateCommitted
	result.FinishedAt = s.now().UTC()

	s.logger.Info("import committed",
		zap.Int64("import_id", result.ImportID),
		zap.String("source", result.Source),
		zap.Int("total", result.Total),
		zap.Int("inserted", result.Inserted),
		zap.Int("transferred", result.Transferred),
		zap.Int("regenerated", result.Regenerated),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)

	if err := s.cache.InvalidateChangeSets(ctx); err != nil {
		s.logger.Warn("change set cache not invalidated", zap.Error(err))
	}
	s.metrics.ObserveImport(result)
	s.publish(ctx, events.Event{
		Type:     events.TypeImportCommitted,
		ImportID: result.ImportID,
		Payload: map[string]interface{}{
			"source":      result.Source,
			"total":       result.Total,
			"inserted":    result.Inserted,
			"transferred": result.Transferred,
		},
	})
	return result, nil
}

func (s *ImportService) fail(ctx context.Context, result *models.ImportResult, err error) (*models.ImportResult, error) {
	result.State = models.ImportStateFailed
	result.FinishedAt = s.now().UTC()
	result.Error = err.Error()
	s.logger.Error("import failed",
		zap.Int64("import_id", result.ImportID),
		zap.String("source", result.Source),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("total", result.Total),
		zap.Error(err),
	)
	if result.Succeeded > 0 {
		if cacheErr := s.cache.InvalidateChangeSets(ctx); cacheErr != nil {
			s.logger.Warn("change set cache not invalidated", zap.Error(cacheErr))
		}
	}
	s.metrics.ObserveImport(result)
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return result, err
	}
	return result, appErrors.Wrap(err, appErrors.ErrImportFailed.Code, appErrors.ErrImportFailed.Status, "import failed")
}

func (s *ImportService) publish(ctx context.Context, event events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("event not published", zap.String("type", event.Type), zap.Error(err))
	}
}

// ListImports returns every import with its membership count.
func (s *ImportService) ListImports(ctx context.Context) ([]models.Import, error) {
	imports, err := s.store.ListImports(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "list imports")
	}
	return imports, nil
}

// canonicalGUID lower-cases identifiers and strips braces or URN prefixes the
// source system may add. Values that are not UUIDs are only trimmed and folded.
func canonicalGUID(guid string) string {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return ""
	}
	if id, err := uuid.Parse(guid); err == nil {
		return id.String()
	}
	return strings.ToLower(guid)
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
