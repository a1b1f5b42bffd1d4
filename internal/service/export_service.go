package service

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/naming"
	"github.com/bbss-go/bbss/internal/parser"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/export"
	"github.com/bbss-go/bbss/pkg/storage"
)

const (
	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeText = "text/plain; charset=utf-8"
	contentTypePDF  = "application/pdf"
	// Moodle accepts at most this many cohort columns per upload row.
	moodleCohortColumns = 14
)

// labSoftClasses are the class prefixes managed by the LabSoft classroom software.
var labSoftClasses = []string{"KFZ", "KKB", "KBK", "KZF", "KZM"}

type changeSetSource interface {
	Diff(ctx context.Context, oldID, newID *int64) (*models.ChangeSet, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
	RenderCards(cards []export.Card, title, intro string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportFile is one stored artifact together with its signed download link.
type ExportFile struct {
	Name         string    `json:"name"`
	RelativePath string    `json:"-"`
	Token        string    `json:"-"`
	URL          string    `json:"url"`
	ContentType  string    `json:"content_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	Format      models.ExportFormat `json:"format"`
	OldImportID int64               `json:"old_import_id"`
	NewImportID int64               `json:"new_import_id"`
	Files       []ExportFile        `json:"files"`
}

// ExportService renders change sets for downstream systems and persists the files.
type ExportService struct {
	changesets changeSetSource
	names      *naming.Engine
	storage    fileStorage
	csv        csvRenderer
	pdf        pdfRenderer
	signer     *storage.SignedURLSigner
	logger     *zap.Logger
	cfg        ExportConfig
	now        func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(changesets changeSetSource, names *naming.Engine, storage fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if names == nil {
		names = naming.New(naming.DefaultRules())
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		changesets: changesets,
		names:      names,
		storage:    storage,
		csv:        csv,
		pdf:        pdf,
		signer:     signer,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Generate computes the change set a job asks for, renders it and stores every artifact.
func (s *ExportService) Generate(ctx context.Context, job *models.ExportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	cs, err := s.changesets.Diff(ctx, job.Params.OldImportID, job.Params.NewImportID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.Render(job.Format, cs, job.Params.ReplaceIllegalCharacters)
	if err != nil {
		return nil, err
	}

	result := &ExportResult{Format: job.Format, OldImportID: cs.OldImportID, NewImportID: cs.NewImportID}
	for _, artifact := range artifacts {
		file, err := s.store(job.ID, artifact)
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, *file)
	}
	s.logger.Info("export generated",
		zap.String("job_id", job.ID),
		zap.String("format", string(job.Format)),
		zap.Int64("old", cs.OldImportID),
		zap.Int64("new", cs.NewImportID),
		zap.Int("files", len(result.Files)),
	)
	return result, nil
}

// Render turns a change set into the files one downstream system imports.
func (s *ExportService) Render(format models.ExportFormat, cs *models.ChangeSet, replace bool) ([]models.Artifact, error) {
	if cs == nil {
		return nil, fmt.Errorf("change set nil")
	}
	switch format {
	case models.ExportFormatAD:
		return s.renderAD(cs, replace)
	case models.ExportFormatRadius:
		return s.renderRadius(cs)
	case models.ExportFormatMoodle:
		return s.renderMoodle(cs, replace)
	case models.ExportFormatLabSoft:
		return s.renderLabSoft(cs, replace)
	case models.ExportFormatWebUntis:
		return s.renderWebUntis(cs)
	case models.ExportFormatCards:
		return s.renderCards(cs)
	default:
		return nil, appErrors.Clone(appErrors.ErrUnsupportedType, fmt.Sprintf("unsupported export format %q", format))
	}
}

// MailDifferences compares the addresses of a Moodle user list with the latest
// import and renders the mismatches as a cp1252 CSV.
func (s *ExportService) MailDifferences(ctx context.Context, users []parser.MoodleUser) (*models.Artifact, error) {
	var zero int64
	cs, err := s.changesets.Diff(ctx, &zero, nil)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]models.Student, len(cs.StudentsAdded))
	for _, student := range cs.StudentsAdded {
		byName[personKey(student.Surname, student.FirstName)] = student
	}

	dataset := export.Dataset{Headers: []string{"Nachname", "Vorname", "Mail in BBS-Verwaltung", "Mail in Moodle"}}
	for _, user := range users {
		student, ok := byName[personKey(user.LastName, user.FirstName)]
		if !ok || student.Email == "" || strings.EqualFold(student.Email, user.Email) {
			continue
		}
		dataset.Append(student.Surname, student.FirstName, student.Email, user.Email)
	}

	data, err := export.NewCSVExporter(export.CSVOptions{Delimiter: ';', Encoding: export.Windows1252}).Render(dataset)
	if err != nil {
		return nil, err
	}
	s.logger.Info("mail differences computed", zap.Int("moodle_users", len(users)), zap.Int("differences", len(dataset.Rows)))
	return &models.Artifact{Name: "maildiff.csv", ContentType: "text/csv; charset=windows-1252", Data: data}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (storage.Claims, error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) store(jobID string, artifact models.Artifact) (*ExportFile, error) {
	filename := path.Join(sanitizeFilename(jobID), sanitizeFilename(artifact.Name))
	relPath, err := s.storage.Save(filename, artifact.Data)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.signer.Generate(jobID, relPath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	return &ExportFile{
		Name:         artifact.Name,
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/export/%s", prefix, token),
		ContentType:  artifact.ContentType,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *ExportService) displayNames(student models.Student, replace bool) (string, string, string) {
	className, surname, firstName, nonASCII := s.names.DisplayNames(student, replace)
	if replace && nonASCII {
		s.logger.Warn("non ascii characters in export",
			zap.String("class", className),
			zap.String("surname", surname),
			zap.String("first_name", firstName),
		)
	}
	return className, surname, firstName
}

func (s *ExportService) username(student models.Student) string {
	if student.Username != "" {
		return student.Username
	}
	return s.names.GenerateUsername(student.ClassName, student.Surname, student.FirstName)
}

func (s *ExportService) renderAD(cs *models.ChangeSet, replace bool) ([]models.Artifact, error) {
	dataset := export.Dataset{Headers: []string{"Class", "Name", "Firstname", "UserID", "Password", "OU"}}
	for _, student := range sortedCopy(cs.StudentsAdded) {
		className, surname, firstName := s.displayNames(student, replace)
		dataset.Append(className, surname, firstName, s.username(student), student.Password, s.names.GenerateOU(student.ClassName))
	}
	data, err := s.csv.Render(dataset)
	if err != nil {
		return nil, err
	}
	return []models.Artifact{{Name: "ad.csv", ContentType: contentTypeCSV, Data: data}}, nil
}

func (s *ExportService) renderRadius(cs *models.ChangeSet) ([]models.Artifact, error) {
	var b strings.Builder
	currentClass := ""
	for _, student := range sortedCopy(cs.StudentsAdded) {
		if student.ClassName != currentClass {
			fmt.Fprintf(&b, "# %s\n", student.ClassName)
			currentClass = student.ClassName
		}
		fmt.Fprintf(&b, "%-20s\t\tCleartext-Password := \"%s\"\n", `"`+s.username(student)+`"`, student.Password)
	}
	return []models.Artifact{{Name: "radius.users", ContentType: contentTypeText, Data: []byte(b.String())}}, nil
}

func (s *ExportService) renderMoodle(cs *models.ChangeSet, replace bool) ([]models.Artifact, error) {
	headers := []string{"cohort1", "lastname", "firstname", "username", "password", "email", "deleted"}
	added := export.Dataset{Headers: headers}
	cohorts := export.Dataset{Headers: []string{"username"}}
	for i := 1; i <= moodleCohortColumns; i++ {
		cohorts.Headers = append(cohorts.Headers, fmt.Sprintf("cohort%d", i))
	}

	for _, student := range cs.AddedAndChanged() {
		added.Append(s.moodleRow(student, replace, false)...)
		courses := student.CourseList()
		if len(courses) == 0 {
			continue
		}
		if len(courses) > moodleCohortColumns {
			s.logger.Warn("too many courses for moodle cohorts", zap.String("username", s.username(student)), zap.Int("courses", len(courses)))
			courses = courses[:moodleCohortColumns]
		}
		row := []string{strings.ToLower(s.username(student))}
		for _, course := range courses {
			row = append(row, "Kurs-"+strings.ToLower(course))
		}
		cohorts.Append(row...)
	}

	removed := export.Dataset{Headers: headers}
	for _, student := range sortedCopy(cs.StudentsRemoved) {
		removed.Append(s.moodleRow(student, replace, true)...)
	}

	var artifacts []models.Artifact
	for _, item := range []struct {
		name    string
		dataset export.Dataset
	}{
		{"moodle.added.csv", added},
		{"moodle.removed.csv", removed},
		{"moodle.cohorts.csv", cohorts},
	} {
		data, err := s.csv.Render(item.dataset)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, models.Artifact{Name: item.name, ContentType: contentTypeCSV, Data: data})
	}
	return artifacts, nil
}

func (s *ExportService) moodleRow(student models.Student, replace, deleted bool) []string {
	className, surname, firstName := s.displayNames(student, replace)
	username := strings.ToLower(s.username(student))
	email := student.Email
	if email == "" {
		email = username + "@example.com"
	}
	flag := "0"
	if deleted {
		flag = "1"
	}
	return []string{className, surname, firstName, username, student.Password, email, flag}
}

func (s *ExportService) renderLabSoft(cs *models.ChangeSet, replace bool) ([]models.Artifact, error) {
	dataset := export.Dataset{Headers: []string{"Login", "FirstName", "LastName", "MemberOf"}}
	for _, student := range cs.AddedAndChanged() {
		if !hasAnyPrefix(student.ClassName, labSoftClasses) {
			continue
		}
		className, surname, firstName := s.displayNames(student, replace)
		dataset.Append(strings.ToLower(s.username(student)), firstName, surname, className)
	}
	data, err := s.csv.Render(dataset)
	if err != nil {
		return nil, err
	}
	return []models.Artifact{{Name: "labsoft.csv", ContentType: contentTypeCSV, Data: data}}, nil
}

// renderWebUntis creates one class account per new class. Classes that vanished
// are left for manual removal.
func (s *ExportService) renderWebUntis(cs *models.ChangeSet) ([]models.Artifact, error) {
	dataset := export.Dataset{Headers: []string{"Klassenname", "Kurzname", "Passwort", "Personenrolle", "Benutzergruppe"}}
	passwords := export.Dataset{Headers: []string{"Klasse", "Passwort"}}
	for _, className := range cs.ClassesAdded {
		password, err := s.names.GeneratePassword()
		if err != nil {
			return nil, fmt.Errorf("generate class password: %w", err)
		}
		dataset.Append(className, className, password, "Klasse", "Klassen")
		passwords.Append(className, password)
	}

	data, err := export.NewCSVExporter(export.CSVOptions{Delimiter: ','}).Render(dataset)
	if err != nil {
		return nil, err
	}
	artifacts := []models.Artifact{{Name: "webuntis.csv", ContentType: contentTypeCSV, Data: data}}
	if len(cs.ClassesAdded) == 0 {
		return artifacts, nil
	}
	list, err := s.pdf.Render(passwords, "WebUntis Klassenpasswörter")
	if err != nil {
		return nil, err
	}
	return append(artifacts, models.Artifact{Name: "webuntis.passwords.pdf", ContentType: contentTypePDF, Data: list}), nil
}

func (s *ExportService) renderCards(cs *models.ChangeSet) ([]models.Artifact, error) {
	students := sortedCopy(cs.StudentsAdded)
	cards := make([]export.Card, 0, len(students))
	for _, student := range students {
		cards = append(cards, export.Card{
			Heading:  fmt.Sprintf("Benutzerdaten für %s %s aus der %s:", student.FirstName, student.Surname, student.ClassName),
			Username: s.username(student),
			Password: student.Password,
		})
	}
	title := fmt.Sprintf("Benutzerdaten für Logodidact und Moodle (Stand: %s)", s.now().Format("02.01.2006"))
	data, err := s.pdf.RenderCards(cards, title, "Bitte die Benutzerdaten an die Schülerinnen und Schüler weitergeben. Danke!")
	if err != nil {
		return nil, err
	}
	return []models.Artifact{{Name: "cards.pdf", ContentType: contentTypePDF, Data: data}}, nil
}

func sortedCopy(students []models.Student) []models.Student {
	out := append([]models.Student(nil), students...)
	models.SortStudents(out)
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func personKey(surname, firstName string) string {
	return strings.ToLower(strings.TrimSpace(surname)) + "|" + strings.ToLower(strings.TrimSpace(firstName))
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

// ExportFormatNames lists the accepted format names in a stable order.
func ExportFormatNames() []string {
	out := make([]string, 0, len(models.ExportFormats))
	for _, f := range models.ExportFormats {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}
