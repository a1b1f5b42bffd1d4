package parser

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/bbss-go/bbss/internal/models"
)

// Excel reads the first worksheet of an xlsx workbook laid out like the CSV export.
type Excel struct {
	file    *excelize.File
	rows    *excelize.Rows
	closer  io.Closer
	columns map[string]int
	line    int
	opts    Options
}

// NewExcel opens the workbook and reads the header row.
func NewExcel(r io.Reader, opts Options) (*Excel, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		_ = file.Close()
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := file.Rows(sheets[0])
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}

	src := &Excel{file: file, rows: rows, opts: opts.withDefaults()}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}

	if !rows.Next() {
		_ = src.Close()
		return nil, errors.New("workbook is empty")
	}
	src.line = 1
	header, err := rows.Columns()
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("read header row: %w", err)
	}
	if src.columns, err = mapColumns(header); err != nil {
		_ = src.Close()
		return nil, err
	}
	return src, nil
}

// Next returns the following record; blank rows are passed over.
func (s *Excel) Next() (models.ImportRecord, error) {
	for s.rows.Next() {
		s.line++
		row, err := s.rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return models.ImportRecord{}, &RecordError{Line: s.line, Reason: "unreadable row", Err: err}
		}
		if blank(row) {
			continue
		}
		if i, ok := s.columns[columnBirthDate]; ok && i < len(row) {
			row[i] = excelDate(row[i])
		}
		return recordFromColumns(row, s.columns, s.line, s.opts)
	}
	if err := s.rows.Error(); err != nil {
		return models.ImportRecord{}, fmt.Errorf("iterate rows: %w", err)
	}
	return models.ImportRecord{}, io.EOF
}

// Close releases the workbook.
func (s *Excel) Close() error {
	var errs []error
	if s.rows != nil {
		errs = append(errs, s.rows.Close())
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
	}
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
	}
	return errors.Join(errs...)
}

// excelDate turns a serial day number into dd.mm.yyyy and leaves text untouched.
func excelDate(raw string) string {
	raw = strings.TrimSpace(raw)
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return raw
	}
	return t.Format("02.01.2006")
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
