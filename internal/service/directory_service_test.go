package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/models"
	"github.com/bbss-go/bbss/internal/naming"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

func TestDirectoryServiceSearchAndHistory(t *testing.T) {
	store := newSnapshotStoreForTest(t)
	ctx := context.Background()
	importer := NewImportService(store, naming.New(naming.DefaultRules()), ImportPolicy{}, nil, nil, nil, zap.NewNop())
	movedAlice := alice
	movedAlice.ClassName = "9B"

	importer.now = func() time.Time { return time.Date(2023, 8, 1, 9, 0, 0, 0, time.UTC) }
	_, err := importer.ImportRecords(ctx, "summer", []models.ImportRecord{alice, bob}, ImportOptions{})
	require.NoError(t, err)
	importer.now = func() time.Time { return time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC) }
	_, err = importer.ImportRecords(ctx, "winter", []models.ImportRecord{movedAlice}, ImportOptions{})
	require.NoError(t, err)

	svc := NewDirectoryService(store, zap.NewNop())

	students, page, err := svc.Search(ctx, models.StudentFilter{Pattern: "  lidd ", PageSize: 500})
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, 50, page.PageSize)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 1, page.TotalCount)

	all, page, err := svc.Search(ctx, models.StudentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 2, page.TotalCount)

	history, err := svc.History(ctx, students[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Liddell", history.Student.Surname)
	require.Len(t, history.Classes, 2)
	assert.Equal(t, "9A", history.Classes[0].ClassName)
	assert.Equal(t, "9B", history.Classes[1].ClassName)
	assert.Equal(t, "2023-08-01", history.EntryDate.String())
	assert.Equal(t, "2024-02-01", history.ExitDate.String())
	assert.Len(t, history.Imports, 2)
}

func TestDirectoryServiceHistoryUnknownStudent(t *testing.T) {
	svc := NewDirectoryService(newSnapshotStoreForTest(t), zap.NewNop())

	_, err := svc.History(context.Background(), 42)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
