package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat names a downstream consumer of change sets.
type ExportFormat string

const (
	ExportFormatAD       ExportFormat = "ad"
	ExportFormatRadius   ExportFormat = "radius"
	ExportFormatMoodle   ExportFormat = "moodle"
	ExportFormatLabSoft  ExportFormat = "labsoft"
	ExportFormatWebUntis ExportFormat = "webuntis"
	ExportFormatCards    ExportFormat = "cards"
)

// ExportFormats lists every format accepted by the export worker.
var ExportFormats = []ExportFormat{
	ExportFormatAD, ExportFormatRadius, ExportFormatMoodle,
	ExportFormatLabSoft, ExportFormatWebUntis, ExportFormatCards,
}

// Valid reports whether f is a known export format.
func (f ExportFormat) Valid() bool {
	for _, known := range ExportFormats {
		if f == known {
			return true
		}
	}
	return false
}

// ExportStatus captures background job lifecycle states.
type ExportStatus string

const (
	ExportStatusQueued     ExportStatus = "QUEUED"
	ExportStatusProcessing ExportStatus = "PROCESSING"
	ExportStatusFinished   ExportStatus = "FINISHED"
	ExportStatusFailed     ExportStatus = "FAILED"
)

// ExportJob is persisted background export metadata.
type ExportJob struct {
	ID         string          `db:"id" json:"id"`
	Format     ExportFormat    `db:"format" json:"format"`
	Params     ExportJobParams `db:"params" json:"params"`
	Status     ExportStatus    `db:"status" json:"status"`
	Progress   int             `db:"progress" json:"progress"`
	Files      StringList      `db:"files" json:"files"`
	Error      string          `db:"error" json:"error,omitempty"`
	CreatedBy  string          `db:"created_by" json:"created_by"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	FinishedAt *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// ExportJobParams selects the import range the export is computed from.
type ExportJobParams struct {
	OldImportID *int64 `json:"old_import_id,omitempty"`
	NewImportID *int64 `json:"new_import_id,omitempty"`
	// ReplaceIllegalCharacters normalizes display names before writing them.
	ReplaceIllegalCharacters bool `json:"replace_illegal_characters,omitempty"`
}

// Value marshals params to JSON for persistence.
func (p ExportJobParams) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal export job params: %w", err)
	}
	return string(data), nil
}

// Scan unmarshals JSON payloads into the params struct.
func (p *ExportJobParams) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan export job params: %w", err)
	}
	*p = ExportJobParams{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("unmarshal export job params: %w", err)
	}
	return nil
}

// StringList is a JSON encoded list of strings stored in a text column.
type StringList []string

// Value marshals the list to JSON.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan unmarshals a JSON array.
func (l *StringList) Scan(value interface{}) error {
	data, err := jsonBytes(value)
	if err != nil {
		return fmt.Errorf("scan string list: %w", err)
	}
	if len(data) == 0 {
		*l = StringList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal string list: %w", err)
	}
	*l = out
	return nil
}

func jsonBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}

// Artifact is one rendered export file.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}
