package response

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bbss-go/bbss/internal/models"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

// ImportRangeHeader carries the resolved import range of a change set response.
const ImportRangeHeader = "X-Import-Range"

// Envelope wraps every API payload.
type Envelope struct {
	Data       interface{}            `json:"data,omitempty"`
	Error      *appErrors.Error       `json:"error,omitempty"`
	Pagination *models.Pagination     `json:"pagination,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// JSON writes data with optional pagination and metadata. Responses are never
// cached: rosters contain credentials.
func JSON(c *gin.Context, status int, data interface{}, pagination *models.Pagination, meta ...map[string]interface{}) {
	noStore(c)
	envelope := Envelope{Data: data, Pagination: pagination}
	if len(meta) > 0 && meta[0] != nil {
		envelope.Meta = meta[0]
	}
	c.JSON(status, envelope)
}

// ChangeSet writes a change set together with its size summary. The resolved
// range is echoed in ImportRangeHeader so clients that let the server pick
// the imports can pin the same range later.
func ChangeSet(c *gin.Context, cs *models.ChangeSet, meta map[string]interface{}) {
	if meta == nil {
		meta = make(map[string]interface{}, 4)
	}
	meta["full_snapshot"] = cs.FullSnapshot
	meta["students_added"] = len(cs.StudentsAdded)
	meta["students_removed"] = len(cs.StudentsRemoved)
	meta["students_changed"] = len(cs.StudentsChanged)
	c.Header(ImportRangeHeader, fmt.Sprintf("%d..%d", cs.OldImportID, cs.NewImportID))
	JSON(c, http.StatusOK, cs, nil, meta)
}

// Accepted answers a queued request with 202 and points Location at the
// resource to poll.
func Accepted(c *gin.Context, data interface{}, location string) {
	if location != "" {
		c.Header("Location", location)
	}
	JSON(c, http.StatusAccepted, data, nil)
}

// Error converts err to the common error body. An unavailable student store is
// usually an import holding the lock, so clients are told to retry shortly.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	noStore(c)
	if appErr.Code == appErrors.ErrStoreUnavailable.Code {
		c.Header("Retry-After", "5")
	}
	c.JSON(appErr.Status, Envelope{Error: appErr})
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}
