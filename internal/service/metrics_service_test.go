package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbss-go/bbss/internal/models"
)

func TestMetricsServiceSnapshot(t *testing.T) {
	m := NewMetricsService()

	m.ObserveHTTPRequest("GET", "/api/v1/changesets", 200, 20*time.Millisecond)
	m.ObserveHTTPRequest("GET", "/api/v1/changesets", 400, 10*time.Millisecond)
	m.RecordCacheOperation(true, time.Millisecond)
	m.RecordCacheOperation(false, time.Millisecond)
	m.RecordCacheOperation(false, time.Millisecond)
	m.ObserveImport(&models.ImportResult{State: models.ImportStateCommitted, Inserted: 3})
	m.ObserveImport(&models.ImportResult{State: models.ImportStateFailed})

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.RequestsTotal)
	assert.InDelta(t, 15.0, snap.AverageRequestDurationMs, 0.001)
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(2), snap.CacheMisses)
	assert.InDelta(t, 1.0/3.0, snap.CacheHitRatio, 0.0001)
	assert.Equal(t, uint64(1), snap.ImportsCommitted)
	assert.Equal(t, uint64(1), snap.ImportsFailed)
}

func TestMetricsServiceRegistersImportCollectors(t *testing.T) {
	m := NewMetricsService()
	m.ObserveImport(&models.ImportResult{State: models.ImportStateCommitted, Inserted: 2, Transferred: 1})
	m.ObserveExportJob(models.ExportFormatAD, models.ExportStatusFinished)
	m.ObservePurge(4)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, name := range []string{"bbss_imports_total", "bbss_import_records_total", "bbss_export_jobs_total", "bbss_students_purged_total"} {
		assert.True(t, names[name], name)
	}
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService
	m.ObserveHTTPRequest("GET", "/", 200, time.Millisecond)
	m.ObserveImport(&models.ImportResult{})
	assert.Equal(t, MetricsSnapshot{}, m.Snapshot())
}
