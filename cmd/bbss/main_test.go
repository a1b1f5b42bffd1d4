package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbss-go/bbss/internal/models"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("DB_PATH", filepath.Join(dir, "students.db"))
	t.Setenv("EXPORTS_STORAGE_DIR", filepath.Join(dir, "exports"))
	t.Setenv("ENABLE_CACHE", "false")
	t.Setenv("NATS_URL", "")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func writeRoster(t *testing.T, dir, name string, rows ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := strings.Join(append([]string{"KL_NAME,NNAME,VNAME,GEBDAT,E_MAIL"}, rows...), "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunImportDiffAndExport(t *testing.T) {
	dir := setupEnv(t)
	ctx := context.Background()

	first := writeRoster(t, dir, "first.csv",
		"IFA11,Müller,Hans,01.02.2004,",
		"IFA11,Schmidt,Anna,03.04.2005,")
	second := writeRoster(t, dir, "second.csv",
		"IFA12,Müller,Hans,01.02.2004,",
		"IFA11,Kane,Carol,09.07.2005,")

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"import", "-quiet", "-file", first}, &out))
	var result models.ImportResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, models.ImportStateCommitted, result.State)
	assert.Equal(t, 2, result.Inserted)

	out.Reset()
	require.NoError(t, run(ctx, []string{"import", "-quiet", "-file", second}, &out))

	out.Reset()
	require.NoError(t, run(ctx, []string{"diff"}, &out))
	var cs models.ChangeSet
	require.NoError(t, json.Unmarshal(out.Bytes(), &cs))
	assert.Equal(t, int64(1), cs.OldImportID)
	assert.Equal(t, int64(2), cs.NewImportID)
	require.Len(t, cs.StudentsAdded, 1)
	assert.Equal(t, "Kane", cs.StudentsAdded[0].Surname)
	require.Len(t, cs.StudentsRemoved, 1)
	require.Len(t, cs.StudentsChanged, 1)

	exportDir := filepath.Join(dir, "out")
	out.Reset()
	require.NoError(t, run(ctx, []string{"export", "-format", "ad", "-out", exportDir}, &out))
	written := strings.Fields(out.String())
	require.NotEmpty(t, written)
	for _, path := range written {
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}

	out.Reset()
	require.NoError(t, run(ctx, []string{"search", "-q", "kane"}, &out))
	assert.Contains(t, out.String(), "Carol")
}

func TestRunUsageErrors(t *testing.T) {
	setupEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, run(ctx, nil, &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run(ctx, []string{"bogus"}, &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run(ctx, []string{"import"}, &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run(ctx, []string{"history"}, &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run(ctx, []string{"purge", "-cutoff", "01.08.2019"}, &bytes.Buffer{}), errUsage)
}

func TestRunMigrate(t *testing.T) {
	setupEnv(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"migrate"}, &out))
	assert.Contains(t, out.String(), "schema version")
}
