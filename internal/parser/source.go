// Package parser turns roster exports into a lazy sequence of named-field import records.
package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/bbss-go/bbss/internal/models"
)

// Supported input formats.
const (
	FormatCSV        = "csv"
	FormatVerwaltung = "verwaltung"
	FormatExcel      = "excel"
)

// Formats lists the accepted input formats.
var Formats = []string{FormatCSV, FormatVerwaltung, FormatExcel}

// birthDateLayouts are tried in order; the school office exports German dates.
var birthDateLayouts = []string{"02.01.2006", "2.1.2006", models.DateLayout, "02.01.06"}

// Source yields records one at a time and returns io.EOF when exhausted.
// A *RecordError concerns a single row; the caller may skip it and keep reading.
type Source interface {
	Next() (models.ImportRecord, error)
	Close() error
}

// RecordError reports a row that cannot become an import record.
type RecordError struct {
	Line   int
	Reason string
	Err    error
}

func (e *RecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("line %d: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// IsRecordError reports whether err only affects one row.
func IsRecordError(err error) bool {
	var re *RecordError
	return errors.As(err, &re)
}

// Options configures a parser.
type Options struct {
	Logger    *zap.Logger
	Validator *validator.Validate
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Validator == nil {
		o.Validator = validator.New()
	}
	return o
}

// Open picks the parser for format. The returned Source owns r if r is an io.Closer.
func Open(format string, r io.Reader, opts Options) (Source, error) {
	switch strings.ToLower(format) {
	case FormatCSV, "":
		return NewCSV(r, opts)
	case FormatVerwaltung:
		return NewVerwaltung(r, opts), nil
	case FormatExcel, "xlsx":
		return NewExcel(r, opts)
	default:
		return nil, fmt.Errorf("unknown import format %q", format)
	}
}

// DetectFormat guesses the format from a file name.
func DetectFormat(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".xlsx"), strings.HasSuffix(lower, ".xlsm"):
		return FormatExcel
	default:
		return FormatCSV
	}
}

// ReadAll drains a source. Record errors are collected; any other error aborts.
func ReadAll(src Source) ([]models.ImportRecord, []*RecordError, error) {
	var (
		records []models.ImportRecord
		skipped []*RecordError
	)
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return records, skipped, nil
		}
		if err != nil {
			var re *RecordError
			if errors.As(err, &re) {
				skipped = append(skipped, re)
				continue
			}
			return records, skipped, err
		}
		records = append(records, rec)
	}
}

// stripBOM removes a leading UTF-8 or UTF-16 byte order mark.
func stripBOM(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

func parseBirthDate(raw string) (models.Date, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.Date{}, errors.New("birthdate missing")
	}
	var lastErr error
	for _, layout := range birthDateLayouts {
		d, err := models.ParseDate(layout, raw)
		if err == nil {
			return d, nil
		}
		lastErr = err
	}
	return models.Date{}, lastErr
}

// finish trims fields, validates the record and drops a malformed GUID.
func finish(rec models.ImportRecord, opts Options) (models.ImportRecord, error) {
	rec.Surname = strings.TrimSpace(rec.Surname)
	rec.FirstName = strings.TrimSpace(rec.FirstName)
	rec.ClassName = strings.TrimSpace(rec.ClassName)
	rec.Email = strings.TrimSpace(rec.Email)
	rec.Courses = strings.TrimSpace(rec.Courses)

	if rec.GUID = strings.TrimSpace(rec.GUID); rec.GUID != "" {
		id, err := uuid.Parse(rec.GUID)
		if err != nil {
			opts.Logger.Warn("unparseable GUID ignored",
				zap.Int("line", rec.Line),
				zap.String("guid", rec.GUID),
				zap.Error(err),
			)
			rec.GUID = ""
		} else {
			rec.GUID = id.String()
		}
	}

	if rec.Deleted || rec.Teacher {
		return rec, nil
	}
	if err := opts.Validator.Struct(rec); err != nil {
		return rec, &RecordError{Line: rec.Line, Reason: "invalid record", Err: err}
	}
	if rec.BirthDate.IsZero() || rec.BirthDate.After(time.Now()) {
		return rec, &RecordError{Line: rec.Line, Reason: "invalid birthdate"}
	}
	return rec, nil
}
