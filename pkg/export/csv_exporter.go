package export

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Dataset defines tabular export content.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

// Append adds a row built from values in header order.
func (d *Dataset) Append(values ...string) {
	row := make(map[string]string, len(d.Headers))
	for i, header := range d.Headers {
		if i < len(values) {
			row[header] = values[i]
		}
	}
	d.Rows = append(d.Rows, row)
}

// CSVOptions tunes the dialect of the rendered file.
type CSVOptions struct {
	Delimiter rune
	// Encoding transcodes the output; nil keeps UTF-8.
	Encoding encoding.Encoding
	// OmitHeader suppresses the header line for formats that carry none.
	OmitHeader bool
}

// Windows1252 is used by the spreadsheet tools the school office opens difference lists with.
var Windows1252 encoding.Encoding = charmap.Windows1252

// CSVExporter renders Dataset records into CSV bytes.
type CSVExporter struct {
	opts CSVOptions
}

// NewCSVExporter builds a CSV exporter. Semicolon is the default delimiter.
func NewCSVExporter(opts ...CSVOptions) *CSVExporter {
	o := CSVOptions{Delimiter: ';'}
	if len(opts) > 0 {
		o = opts[0]
		if o.Delimiter == 0 {
			o.Delimiter = ';'
		}
	}
	return &CSVExporter{opts: o}
}

// Render produces CSV encoded bytes for the dataset.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("csv requires at least one header")
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	writer.Comma = e.opts.Delimiter
	if !e.opts.OmitHeader {
		if err := writer.Write(data.Headers); err != nil {
			return nil, fmt.Errorf("write csv headers: %w", err)
		}
	}
	for _, row := range data.Rows {
		record := make([]string, len(data.Headers))
		for i, header := range data.Headers {
			record[i] = row[header]
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	if e.opts.Encoding == nil {
		return buf.Bytes(), nil
	}
	encoded, err := encoding.ReplaceUnsupported(e.opts.Encoding.NewEncoder()).Bytes(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return encoded, nil
}
