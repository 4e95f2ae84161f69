package bulk

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/projectpulse/projectpulse/internal/ingest"
)

func mustSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := ProjectSchema()
	require.NoError(t, err)
	return schema
}

func collectRows(t *testing.T, it Iterator) []Row {
	t.Helper()
	defer it.Close()

	var rows []Row
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

func TestDetectFormat(t *testing.T) {
	format, err := DetectFormat("projects.CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, format)

	format, err = DetectFormat("projects.xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, format)

	_, err = DetectFormat("projects.pdf")
	require.Error(t, err)
	assert.True(t, ingest.IsKind(err, ingest.KindFatal))
}

func TestParse_CSVRowNumbersMatchFile(t *testing.T) {
	input := strings.Join([]string{
		"name,language,stars",
		"alpha,Go,10",
		"beta,Python,3",
	}, "\n")

	it, err := NewParser(mustSchema(t)).Parse(strings.NewReader(input), FormatCSV, "upload.csv")
	require.NoError(t, err)

	rows := collectRows(t, it)
	require.Len(t, rows, 2)
	// Header is row 1, so the first data row is 2.
	assert.Equal(t, 2, rows[0].Number)
	assert.Equal(t, 3, rows[1].Number)
	assert.Equal(t, "alpha", rows[0].Record.Name)
	assert.Equal(t, 10, rows[0].Record.Stars)
	assert.Equal(t, "alpha|upload.csv", rows[0].Record.DedupKey)
}

func TestParse_InvalidRowsCarryErrorsNotRecords(t *testing.T) {
	input := strings.Join([]string{
		"name,stars,homepage,pushed_at",
		"good,5,https://example.com,2026-01-15",
		",5,,",
		"badstars,many,,",
		"badurl,1,ftp://example.com,",
		"baddate,1,,someday",
	}, "\n")

	it, err := NewParser(mustSchema(t)).Parse(strings.NewReader(input), FormatCSV, "upload.csv")
	require.NoError(t, err)

	rows := collectRows(t, it)
	require.Len(t, rows, 5)

	require.NoError(t, rows[0].Err)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), rows[0].Record.PushedAt)

	for _, row := range rows[1:] {
		require.Error(t, row.Err, "row %d", row.Number)
		assert.True(t, ingest.IsKind(row.Err, ingest.KindValidation), "row %d", row.Number)
	}

	var ie *ingest.Error
	require.ErrorAs(t, rows[1].Err, &ie)
	assert.Equal(t, "row 3", ie.Item)
}

func TestParse_MalformedCSVLineDisqualifiesRowOnly(t *testing.T) {
	input := "name,description\nalpha,ok\n\"broken,unterminated\ngamma,fine"

	it, err := NewParser(mustSchema(t)).Parse(strings.NewReader(input), FormatCSV, "upload.csv")
	require.NoError(t, err)

	rows := collectRows(t, it)

	var bad, good int
	for _, row := range rows {
		if row.Err != nil {
			bad++
		} else {
			good++
		}
	}
	assert.GreaterOrEqual(t, good, 1)
	assert.GreaterOrEqual(t, bad, 1)
}

func TestParse_MissingNameColumnIsFatal(t *testing.T) {
	input := "language,stars\nGo,10\n"

	_, err := NewParser(mustSchema(t)).Parse(strings.NewReader(input), FormatCSV, "upload.csv")
	require.Error(t, err)
	assert.True(t, ingest.IsKind(err, ingest.KindFatal))
}

func TestParse_TopicsAndBooleans(t *testing.T) {
	input := strings.Join([]string{
		"name,topics,archived,private",
		"alpha,cli;etl;go,true,false",
	}, "\n")

	it, err := NewParser(mustSchema(t)).Parse(strings.NewReader(input), FormatCSV, "upload.csv")
	require.NoError(t, err)

	rows := collectRows(t, it)
	require.Len(t, rows, 1)
	require.NoError(t, rows[0].Err)
	assert.Equal(t, []string{"cli", "etl", "go"}, rows[0].Record.Topics)
	assert.True(t, rows[0].Record.Archived)
	assert.False(t, rows[0].Record.Private)
}

func TestParse_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"name", "language", "stars"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"alpha", "Go", 10}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"", "Python", 1}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	it, parseErr := NewParser(mustSchema(t)).Parse(buf, FormatXLSX, "upload.xlsx")
	require.NoError(t, parseErr)

	rows := collectRows(t, it)
	require.Len(t, rows, 2)
	require.NoError(t, rows[0].Err)
	assert.Equal(t, "alpha", rows[0].Record.Name)
	assert.Equal(t, 2, rows[0].Number)
	require.Error(t, rows[1].Err)
}

func TestPreview_LimitsAndReportsErrors(t *testing.T) {
	input := strings.Join([]string{
		"name,stars",
		"a,1",
		",2",
		"c,3",
		"d,4",
	}, "\n")

	preview, err := NewParser(mustSchema(t)).Preview(strings.NewReader(input), FormatCSV, "upload.csv", 3)
	require.NoError(t, err)

	assert.Len(t, preview.Rows, 2)
	require.Len(t, preview.Errors, 1)
	assert.Equal(t, 3, preview.Errors[0].Row)
	assert.True(t, preview.Truncated)
}
