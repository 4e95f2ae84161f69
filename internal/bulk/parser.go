package bulk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/projectpulse/projectpulse/internal/ingest"
)

// Format of a bulk upload file.
type Format int

const (
	FormatCSV Format = iota
	FormatXLSX
)

// DetectFormat picks the parser format from the upload's file name.
// Unsupported extensions are fatal: the job cannot proceed past setup.
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return 0, ingest.NewError(ingest.KindFatal, fmt.Sprintf("unsupported bulk file type %q", filepath.Ext(filename)))
	}
}

// Row is one unit handed to the ingestion loop: either a typed record or
// the validation error that disqualified it, tagged with the original
// row number (the header is row 1).
type Row struct {
	Number int
	Record ingest.RawRecord
	Err    error
}

// Iterator streams rows from a bulk file. Next returns ok=false once the
// file is exhausted; a non-nil error means the file itself is unreadable
// and the job should stop.
type Iterator interface {
	Next() (row Row, ok bool, err error)
	Close() error
}

// Parser validates bulk files row by row against a compiled schema.
type Parser struct {
	schema *Schema
}

func NewParser(schema *Schema) *Parser {
	return &Parser{schema: schema}
}

// Parse opens a streaming iterator over r. The header row is read
// eagerly; a file whose header lacks the name column is rejected here,
// before any worker time is spent.
func (p *Parser) Parse(r io.Reader, format Format, source string) (Iterator, error) {
	switch format {
	case FormatCSV:
		return newCSVIterator(p.schema, r, source)
	case FormatXLSX:
		return newXLSXIterator(p.schema, r, source)
	default:
		return nil, ingest.NewError(ingest.KindFatal, fmt.Sprintf("unknown bulk format %d", format))
	}
}

// PreviewRowError is one invalid row in a preview response.
type PreviewRowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// PreviewResult is the first chunk of a bulk file, parsed and validated
// without any downstream writes.
type PreviewResult struct {
	Rows      []ingest.RawRecord `json:"rows"`
	Errors    []PreviewRowError  `json:"errors"`
	Truncated bool               `json:"truncated"`
}

// Preview parses at most limit rows and reports them alongside their
// validation errors. Nothing is written anywhere.
func (p *Parser) Preview(r io.Reader, format Format, source string, limit int) (*PreviewResult, error) {
	if limit <= 0 {
		limit = 10
	}
	iter, err := p.Parse(r, format, source)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	result := &PreviewResult{Rows: []ingest.RawRecord{}, Errors: []PreviewRowError{}}
	for len(result.Rows)+len(result.Errors) < limit {
		row, ok, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return result, nil
		}
		if row.Err != nil {
			result.Errors = append(result.Errors, PreviewRowError{Row: row.Number, Message: row.Err.Error()})
			continue
		}
		result.Rows = append(result.Rows, row.Record)
	}

	if _, ok, err := iter.Next(); err == nil && ok {
		result.Truncated = true
	}
	return result, nil
}

// normalizeHeader lowercases and trims column names and checks the name
// column is present.
func normalizeHeader(cells []string) ([]string, error) {
	header := make([]string, len(cells))
	hasName := false
	for i, cell := range cells {
		header[i] = strings.ToLower(strings.TrimSpace(cell))
		if header[i] == "name" {
			hasName = true
		}
	}
	if !hasName {
		return nil, ingest.NewError(ingest.KindFatal, "bulk file header has no name column")
	}
	return header, nil
}

// makeRow validates one line of cells and produces the Row unit.
func makeRow(schema *Schema, header []string, cells []string, source string, number int) Row {
	coerced, err := coerceRow(header, cells)
	if err == nil {
		err = schema.validate(coerced)
	}
	if err != nil {
		var ie *ingest.Error
		if errors.As(err, &ie) {
			ie.Item = fmt.Sprintf("row %d", number)
		}
		return Row{Number: number, Err: err}
	}
	return Row{Number: number, Record: rowToRaw(coerced, source, number)}
}

type csvIterator struct {
	schema  *Schema
	reader  *csv.Reader
	header  []string
	source  string
	current int
}

func newCSVIterator(schema *Schema, r io.Reader, source string) (*csvIterator, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	cells, err := reader.Read()
	if err != nil {
		return nil, ingest.WrapError(err, ingest.KindFatal, "bulk file has no header row")
	}
	header, err := normalizeHeader(cells)
	if err != nil {
		return nil, err
	}
	return &csvIterator{schema: schema, reader: reader, header: header, source: source, current: 1}, nil
}

func (it *csvIterator) Next() (Row, bool, error) {
	cells, err := it.reader.Read()
	if err == io.EOF {
		return Row{}, false, nil
	}
	it.current++
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// A malformed line disqualifies the row, not the file.
			verr := ingest.WrapError(err, ingest.KindValidation, "malformed csv row")
			verr.Item = fmt.Sprintf("row %d", it.current)
			return Row{Number: it.current, Err: verr}, true, nil
		}
		return Row{}, false, ingest.WrapError(err, ingest.KindFatal, "failed to read bulk file")
	}
	return makeRow(it.schema, it.header, cells, it.source, it.current), true, nil
}

func (it *csvIterator) Close() error { return nil }

type xlsxIterator struct {
	schema  *Schema
	file    *excelize.File
	rows    *excelize.Rows
	header  []string
	source  string
	current int
}

func newXLSXIterator(schema *Schema, r io.Reader, source string) (*xlsxIterator, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return nil, ingest.WrapError(err, ingest.KindFatal, "failed to open xlsx file")
	}

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		_ = file.Close()
		return nil, ingest.NewError(ingest.KindFatal, "xlsx file has no sheets")
	}
	rows, err := file.Rows(sheets[0])
	if err != nil {
		_ = file.Close()
		return nil, ingest.WrapError(err, ingest.KindFatal, "failed to read xlsx sheet")
	}

	if !rows.Next() {
		_ = rows.Close()
		_ = file.Close()
		return nil, ingest.NewError(ingest.KindFatal, "xlsx sheet has no header row")
	}
	cells, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		_ = file.Close()
		return nil, ingest.WrapError(err, ingest.KindFatal, "failed to read xlsx header")
	}
	header, err := normalizeHeader(cells)
	if err != nil {
		_ = rows.Close()
		_ = file.Close()
		return nil, err
	}

	return &xlsxIterator{schema: schema, file: file, rows: rows, header: header, source: source, current: 1}, nil
}

func (it *xlsxIterator) Next() (Row, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Error(); err != nil {
			return Row{}, false, ingest.WrapError(err, ingest.KindFatal, "failed to read xlsx rows")
		}
		return Row{}, false, nil
	}
	it.current++
	cells, err := it.rows.Columns()
	if err != nil {
		return Row{}, false, ingest.WrapError(err, ingest.KindFatal, "failed to read xlsx row")
	}
	return makeRow(it.schema, it.header, cells, it.source, it.current), true, nil
}

func (it *xlsxIterator) Close() error {
	_ = it.rows.Close()
	return it.file.Close()
}
