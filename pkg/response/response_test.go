package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbss-go/bbss/internal/models"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

func newContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	return c, w
}

func TestChangeSetSummarizesRange(t *testing.T) {
	c, w := newContext()
	cs := models.NewChangeSet(4, 7)
	cs.StudentsAdded = []models.Student{{Surname: "Kane"}, {Surname: "Liddell"}}
	cs.StudentsChanged = []models.StudentChange{{OldClassName: "9A", NewClassName: "9B"}}

	ChangeSet(c, cs, map[string]interface{}{"processing_time_ms": 3})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4..7", w.Header().Get(ImportRangeHeader))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var body struct {
		Meta map[string]interface{} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body.Meta["students_added"])
	assert.EqualValues(t, 0, body.Meta["students_removed"])
	assert.EqualValues(t, 1, body.Meta["students_changed"])
	assert.EqualValues(t, 3, body.Meta["processing_time_ms"])
	assert.Equal(t, false, body.Meta["full_snapshot"])
}

func TestAcceptedSetsLocation(t *testing.T) {
	c, w := newContext()
	Accepted(c, map[string]string{"id": "job-9"}, "/api/v1/exports/job-9")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/exports/job-9", w.Header().Get("Location"))
}

func TestErrorAsksToRetryWhileStoreBusy(t *testing.T) {
	c, w := newContext()
	Error(c, appErrors.Wrap(errors.New("database is locked"), appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "begin import"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), appErrors.ErrStoreUnavailable.Code)

	c, w = newContext()
	Error(c, appErrors.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
}
