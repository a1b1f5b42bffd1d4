package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bbss-go/bbss/internal/models"
)

// Header names used by the school administration CSV export.
const (
	columnClass     = "KL_NAME"
	columnSurname   = "NNAME"
	columnFirstName = "VNAME"
	columnBirthDate = "GEBDAT"
	columnEmail     = "E_MAIL"
)

var requiredColumns = []string{columnClass, columnSurname, columnFirstName, columnBirthDate}

// CSV reads comma separated files whose first line names the columns.
type CSV struct {
	reader  *csv.Reader
	closer  io.Closer
	columns map[string]int
	line    int
	opts    Options
}

// NewCSV reads and checks the header line immediately.
func NewCSV(r io.Reader, opts Options) (*CSV, error) {
	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	src := &CSV{reader: reader, columns: columns, line: 1, opts: opts.withDefaults()}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src, nil
}

func mapColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("csv header lacks columns %s", strings.Join(missing, ", "))
	}
	return columns, nil
}

// Next returns the following record.
func (s *CSV) Next() (models.ImportRecord, error) {
	row, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return models.ImportRecord{}, io.EOF
	}
	s.line++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return models.ImportRecord{}, &RecordError{Line: s.line, Reason: "malformed csv row", Err: err}
		}
		return models.ImportRecord{}, fmt.Errorf("read csv: %w", err)
	}
	return recordFromColumns(row, s.columns, s.line, s.opts)
}

// Close releases the underlying reader.
func (s *CSV) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func recordFromColumns(row []string, columns map[string]int, line int, opts Options) (models.ImportRecord, error) {
	get := func(name string) string {
		if i, ok := columns[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	rec := models.ImportRecord{
		Line:      line,
		Surname:   get(columnSurname),
		FirstName: get(columnFirstName),
		ClassName: get(columnClass),
		Email:     get(columnEmail),
	}
	birth, err := parseBirthDate(get(columnBirthDate))
	if err != nil {
		return rec, &RecordError{Line: line, Reason: "invalid birthdate", Err: err}
	}
	rec.BirthDate = birth
	return finish(rec, opts)
}
