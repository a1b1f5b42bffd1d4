package service

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/parser"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/export"
	"github.com/bbss-go/bbss/pkg/storage"
)

type changeSetStub struct {
	cs    *models.ChangeSet
	err   error
	calls [][2]*int64
}

func (s *changeSetStub) Diff(_ context.Context, oldID, newID *int64) (*models.ChangeSet, error) {
	s.calls = append(s.calls, [2]*int64{oldID, newID})
	return s.cs, s.err
}

func student(id int64, surname, firstName, className, username, password string) models.Student {
	return models.Student{
		ID:        id,
		Surname:   surname,
		FirstName: firstName,
		ClassName: className,
		BirthDate: models.NewDate(2005, 1, 1),
		Username:  username,
		Password:  password,
	}
}

func sampleChangeSet() *models.ChangeSet {
	cs := models.NewChangeSet(1, 2)
	mueller := student(1, "Müller", "Jörg", "IFA11", "IFA11.MUELJOER", "Pa55word")
	mueller.Email = "joerg@example.org"
	mueller.Courses = "Mathe, Deutsch"
	cs.StudentsAdded = []models.Student{
		student(2, "Zander", "Zoe", "KFZ21", "KFZ21.ZANDZOE", "Zz9zzzzz"),
		mueller,
	}
	cs.StudentsRemoved = []models.Student{student(3, "Alt", "Otto", "IFA10", "IFA10.ALTOTTO", "Old1pass")}
	cs.StudentsChanged = []models.StudentChange{{
		Student:      student(4, "Kane", "Carol", "KZM22", "KZM21.KANECARO", "Car0lpwd"),
		OldClassName: "KZM21",
		NewClassName: "KZM22",
	}}
	cs.ClassesAdded = []string{"KZM22"}
	cs.ClassesRemoved = []string{"IFA10"}
	return cs
}

func newExportServiceForTest(t *testing.T, source changeSetSource) (*ExportService, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("secret", time.Hour)
	cfg := ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}
	svc := NewExportService(source, nil, store, signer, cfg, zap.NewNop(), export.NewCSVExporter(), export.NewPDFExporter())
	svc.now = func() time.Time { return time.Date(2024, 8, 1, 8, 0, 0, 0, time.UTC) }
	return svc, store
}

func renderOne(t *testing.T, svc *ExportService, format models.ExportFormat, replace bool) map[string]string {
	t.Helper()
	artifacts, err := svc.Render(format, sampleChangeSet(), replace)
	require.NoError(t, err)
	out := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		out[a.Name] = string(a.Data)
	}
	return out
}

func TestExportServiceRenderAD(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &changeSetStub{})

	files := renderOne(t, svc, models.ExportFormatAD, true)
	lines := strings.Split(strings.TrimSpace(files["ad.csv"]), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Class;Name;Firstname;UserID;Password;OU", lines[0])
	assert.Equal(t, "IFA11;Mueller;Joerg;IFA11.MUELJOER;Pa55word;ou=IFA11,ou=IFA,ou=ITBerufe,ou=Schueler,dc=bbs,dc=local", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "KFZ21;Zander;Zoe;KFZ21.ZANDZOE;Zz9zzzzz;"))

	raw := renderOne(t, svc, models.ExportFormatAD, false)
	assert.Contains(t, raw["ad.csv"], "IFA11;Müller;Jörg;")
}

func TestExportServiceRenderRadius(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &changeSetStub{})

	files := renderOne(t, svc, models.ExportFormatRadius, false)
	expected := "# IFA11\n" +
		"\"IFA11.MUELJOER\"    \t\tCleartext-Password := \"Pa55word\"\n" +
		"# KFZ21\n" +
		"\"KFZ21.ZANDZOE\"     \t\tCleartext-Password := \"Zz9zzzzz\"\n"
	assert.Equal(t, expected, files["radius.users"])
}

func TestExportServiceRenderMoodle(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &changeSetStub{})

	files := renderOne(t, svc, models.ExportFormatMoodle, true)
	require.Len(t, files, 3)

	added := strings.Split(strings.TrimSpace(files["moodle.added.csv"]), "\n")
	require.Len(t, added, 4)
	assert.Equal(t, "cohort1;lastname;firstname;username;password;email;deleted", added[0])
	assert.Equal(t, "IFA11;Mueller;Joerg;ifa11.mueljoer;Pa55word;joerg@example.org;0", added[1])
	assert.Equal(t, "KFZ21;Zander;Zoe;kfz21.zandzoe;Zz9zzzzz;kfz21.zandzoe@example.com;0", added[2])
	assert.Equal(t, "KZM22;Kane;Carol;kzm21.kanecaro;Car0lpwd;kzm21.kanecaro@example.com;0", added[3])

	removed := strings.Split(strings.TrimSpace(files["moodle.removed.csv"]), "\n")
	require.Len(t, removed, 2)
	assert.True(t, strings.HasSuffix(removed[1], ";1"))

	cohorts := strings.Split(strings.TrimSpace(files["moodle.cohorts.csv"]), "\n")
	require.Len(t, cohorts, 2)
	assert.True(t, strings.HasPrefix(cohorts[0], "username;cohort1;cohort2;"))
	assert.True(t, strings.HasPrefix(cohorts[1], "ifa11.mueljoer;Kurs-mathe;Kurs-deutsch;"))
}

func TestExportServiceRenderLabSoft(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &changeSetStub{})

	files := renderOne(t, svc, models.ExportFormatLabSoft, false)
	lines := strings.Split(strings.TrimSpace(files["labsoft.csv"]), "\n")
	assert.Equal(t, []string{
		"Login;FirstName;LastName;MemberOf",
		"kfz21.zandzoe;Zoe;Zander;KFZ21",
		"kzm21.kanecaro;Carol;Kane;KZM22",
	}, lines)
}

func TestExportServiceRenderWebUntis(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &changeSetStub{})

	artifacts, err := svc.Render(models.ExportFormatWebUntis, sampleChangeSet(), false)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	lines := strings.Split(strings.TrimSpace(string(artifacts[0].Data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Klassenname,Kurzname,Passwort,Personenrolle,Benutzergruppe", lines[0])
	fields := strings.Split(lines[1], ",")
	require.Len(t, fields, 5)
	assert.Equal(t, "KZM22", fields[0])
	assert.Len(t, fields[2], 8)
	assert.Equal(t, "Klassen", fields[4])
	assert.Equal(t, "webuntis.passwords.pdf", artifacts[1].Name)
	assert.True(t, strings.HasPrefix(string(artifacts[1].Data), "%PDF"))

	empty, err := svc.Render(models.ExportFormatWebUntis, models.NewChangeSet(1, 2), false)
	require.NoError(t, err)
	assert.Len(t, empty, 1)
}

func TestExportServiceRenderCards(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &changeSetStub{})

	artifacts, err := svc.Render(models.ExportFormatCards, sampleChangeSet(), false)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, contentTypePDF, artifacts[0].ContentType)
	assert.True(t, strings.HasPrefix(string(artifacts[0].Data), "%PDF"))
}

func TestExportServiceRenderUnknownFormat(t *testing.T) {
	svc, _ := newExportServiceForTest(t, &changeSetStub{})

	_, err := svc.Render("ldif", sampleChangeSet(), false)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnsupportedType.Code, appErrors.FromError(err).Code)
}

func TestExportServiceGenerateStoresSignedFiles(t *testing.T) {
	source := &changeSetStub{cs: sampleChangeSet()}
	svc, store := newExportServiceForTest(t, source)
	oldID, newID := int64(1), int64(2)
	job := &models.ExportJob{
		ID:     "job-1",
		Format: models.ExportFormatMoodle,
		Params: models.ExportJobParams{OldImportID: &oldID, NewImportID: &newID},
	}

	result, err := svc.Generate(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, source.calls, 1)
	assert.Equal(t, &oldID, source.calls[0][0])
	assert.Equal(t, int64(2), result.NewImportID)
	require.Len(t, result.Files, 3)

	for _, file := range result.Files {
		assert.Equal(t, "/api/v1/export/"+file.Token, file.URL)
		claims, err := svc.ParseToken(file.Token, false)
		require.NoError(t, err)
		assert.Equal(t, "job-1", claims.JobID)
		assert.Equal(t, file.RelativePath, claims.Path)

		info, err := os.Stat(store.Path(file.RelativePath))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	removed, err := svc.Cleanup(0)
	require.NoError(t, err)
	assert.Empty(t, removed, "files younger than the result ttl stay")

	require.NoError(t, svc.Delete(result.Files[0].RelativePath))
	_, err = os.Stat(store.Path(result.Files[0].RelativePath))
	assert.True(t, os.IsNotExist(err))
}

func TestExportServiceGeneratePropagatesRangeError(t *testing.T) {
	source := &changeSetStub{cs: models.NewChangeSet(3, 2), err: appErrors.Clone(appErrors.ErrInvalidRange, "bad range")}
	svc, _ := newExportServiceForTest(t, source)

	_, err := svc.Generate(context.Background(), &models.ExportJob{ID: "job-2", Format: models.ExportFormatAD})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidRange.Code, appErrors.FromError(err).Code)
}

func TestExportServiceMailDifferences(t *testing.T) {
	snapshot := sampleChangeSet()
	snapshot.FullSnapshot = true
	source := &changeSetStub{cs: snapshot}
	svc, _ := newExportServiceForTest(t, source)

	artifact, err := svc.MailDifferences(context.Background(), []parser.MoodleUser{
		{Username: "ifa11.mueljoer", Email: "joerg@moodle.example", FirstName: "jörg", LastName: "MÜLLER"},
		{Username: "kfz21.zandzoe", Email: "zoe@moodle.example", FirstName: "Zoe", LastName: "Zander"},
		{Username: "gast", Email: "gast@moodle.example", FirstName: "Gast", LastName: "Nutzer"},
	})
	require.NoError(t, err)
	require.Len(t, source.calls, 1)
	assert.Equal(t, int64(0), *source.calls[0][0])
	assert.Nil(t, source.calls[0][1])
	assert.Equal(t, "maildiff.csv", artifact.Name)

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(artifact.Data)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(decoded)), "\n")
	assert.Equal(t, []string{
		"Nachname;Vorname;Mail in BBS-Verwaltung;Mail in Moodle",
		"Müller;Jörg;joerg@example.org;joerg@moodle.example",
	}, lines)
}

func TestExportFormatNames(t *testing.T) {
	assert.Equal(t, []string{"ad", "cards", "labsoft", "moodle", "radius", "webuntis"}, ExportFormatNames())
}
