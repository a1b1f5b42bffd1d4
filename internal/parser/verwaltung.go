package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bbss-go/bbss/internal/models"
)

// Column positions of the BBS-Verwaltung export. The file has no header line.
const (
	vwGUID = iota
	vwEmail
	vwUsername
	vwSurname
	vwFirstName
	vwClass
	vwCourses
	vwBirthDate
	vwPassword
	vwDeleted
	vwNew
	vwTeacher
	vwGroups
	vwColumns
)

// flagSet is how BBS-Verwaltung encodes a true boolean.
const flagSet = "-1"

// Verwaltung reads semicolon separated exports from BBS-Verwaltung.
type Verwaltung struct {
	reader *csv.Reader
	closer io.Closer
	line   int
	opts   Options
}

// NewVerwaltung wraps r; a leading byte order mark is dropped.
func NewVerwaltung(r io.Reader, opts Options) *Verwaltung {
	reader := csv.NewReader(stripBOM(r))
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	src := &Verwaltung{reader: reader, opts: opts.withDefaults()}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src
}

// Next returns the following record.
func (s *Verwaltung) Next() (models.ImportRecord, error) {
	row, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return models.ImportRecord{}, io.EOF
	}
	s.line++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return models.ImportRecord{}, &RecordError{Line: s.line, Reason: "malformed row", Err: err}
		}
		return models.ImportRecord{}, fmt.Errorf("read verwaltung export: %w", err)
	}
	if len(row) < vwGroups {
		return models.ImportRecord{}, &RecordError{Line: s.line, Reason: fmt.Sprintf("expected %d columns, got %d", vwColumns, len(row))}
	}

	rec := models.ImportRecord{
		Line:      s.line,
		GUID:      row[vwGUID],
		Email:     row[vwEmail],
		Username:  strings.TrimSpace(row[vwUsername]),
		Surname:   row[vwSurname],
		FirstName: row[vwFirstName],
		ClassName: row[vwClass],
		Courses:   row[vwCourses],
		Deleted:   strings.TrimSpace(row[vwDeleted]) == flagSet,
		New:       strings.TrimSpace(row[vwNew]) == flagSet,
		Teacher:   strings.TrimSpace(row[vwTeacher]) == flagSet,
	}
	if rec.Deleted || rec.Teacher {
		return finish(rec, s.opts)
	}

	birth, err := parseBirthDate(row[vwBirthDate])
	if err != nil {
		return rec, &RecordError{Line: s.line, Reason: "invalid birthdate", Err: err}
	}
	rec.BirthDate = birth
	return finish(rec, s.opts)
}

// Close releases the underlying reader.
func (s *Verwaltung) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
