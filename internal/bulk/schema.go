package bulk

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/projectpulse/projectpulse/internal/ingest"
)

// projectRowSchema is the JSON Schema every parsed row is validated
// against after type coercion. Required fields, numeric minima, and the
// homepage URL shape live here; date parsing happens during coercion.
const projectRowSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name"],
	"properties": {
		"name":        {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"language":    {"type": "string"},
		"topics":      {"type": "array", "items": {"type": "string"}},
		"stars":       {"type": "integer", "minimum": 0},
		"forks":       {"type": "integer", "minimum": 0},
		"open_issues": {"type": "integer", "minimum": 0},
		"size_kb":     {"type": "integer", "minimum": 0},
		"homepage":    {"type": "string", "pattern": "^(|https?://.+)$"},
		"archived":    {"type": "boolean"},
		"private":     {"type": "boolean"},
		"pushed_at":   {"type": "string"}
	}
}`

// Schema validates coerced rows. One compiled instance is shared by all
// parsers; jsonschema validation is safe for concurrent use.
type Schema struct {
	compiled *jsonschema.Schema
}

// ProjectSchema compiles the project row schema.
func ProjectSchema() (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("row.json", strings.NewReader(projectRowSchema)); err != nil {
		return nil, fmt.Errorf("add row schema: %w", err)
	}
	compiled, err := compiler.Compile("row.json")
	if err != nil {
		return nil, fmt.Errorf("compile row schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

func (s *Schema) validate(row map[string]any) error {
	if err := s.compiled.Validate(row); err != nil {
		return ingest.WrapError(err, ingest.KindValidation, "row failed schema validation")
	}
	return nil
}

// Accepted layouts for the pushed_at column.
var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"}

// integer columns coerced with strconv before schema validation.
var integerColumns = map[string]bool{
	"stars":       true,
	"forks":       true,
	"open_issues": true,
	"size_kb":     true,
}

// boolean columns coerced with strconv before schema validation.
var booleanColumns = map[string]bool{
	"archived": true,
	"private":  true,
}

// coerceRow turns one row of raw cells into a typed map keyed by the
// header names. Empty cells are omitted so schema defaults apply; a cell
// that cannot be coerced to its column's type is a validation failure.
func coerceRow(header []string, cells []string) (map[string]any, error) {
	row := make(map[string]any, len(header))
	for i, column := range header {
		if i >= len(cells) {
			break
		}
		value := strings.TrimSpace(cells[i])
		if value == "" {
			continue
		}

		switch {
		case integerColumns[column]:
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, ingest.NewError(ingest.KindValidation,
					fmt.Sprintf("column %s: %q is not an integer", column, value))
			}
			// jsonschema sees JSON numbers, not Go ints.
			row[column] = float64(n)

		case booleanColumns[column]:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, ingest.NewError(ingest.KindValidation,
					fmt.Sprintf("column %s: %q is not a boolean", column, value))
			}
			row[column] = b

		case column == "topics":
			row[column] = splitTopics(value)

		case column == "pushed_at":
			if _, err := parseDate(value); err != nil {
				return nil, ingest.NewError(ingest.KindValidation,
					fmt.Sprintf("column pushed_at: %q is not a recognized date", value))
			}
			row[column] = value

		default:
			row[column] = value
		}
	}
	return row, nil
}

func splitTopics(value string) []any {
	raw := strings.FieldsFunc(value, func(r rune) bool { return r == ';' || r == ',' })
	topics := make([]any, 0, len(raw))
	for _, topic := range raw {
		if t := strings.TrimSpace(topic); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date %q", value)
}

// rowToRaw maps a validated row into the typed intermediate record. File
// rows are deduplicated on name and source since they carry no stable
// external id.
func rowToRaw(row map[string]any, source string, rowNumber int) ingest.RawRecord {
	name, _ := row["name"].(string)
	raw := ingest.RawRecord{
		DedupKey:  DedupKey(name, source),
		Source:    source,
		RowNumber: rowNumber,
		Name:      name,
	}
	if v, ok := row["description"].(string); ok {
		raw.Description = v
	}
	if v, ok := row["language"].(string); ok {
		raw.Language = v
	}
	if v, ok := row["homepage"].(string); ok {
		raw.Homepage = v
	}
	if v, ok := row["stars"].(float64); ok {
		raw.Stars = int(v)
	}
	if v, ok := row["forks"].(float64); ok {
		raw.Forks = int(v)
	}
	if v, ok := row["open_issues"].(float64); ok {
		raw.OpenIssues = int(v)
	}
	if v, ok := row["size_kb"].(float64); ok {
		raw.SizeKB = int(v)
	}
	if v, ok := row["archived"].(bool); ok {
		raw.Archived = v
	}
	if v, ok := row["private"].(bool); ok {
		raw.Private = v
	}
	if v, ok := row["topics"].([]any); ok {
		for _, topic := range v {
			if t, ok := topic.(string); ok {
				raw.Topics = append(raw.Topics, t)
			}
		}
	}
	if v, ok := row["pushed_at"].(string); ok {
		if t, err := parseDate(v); err == nil {
			raw.PushedAt = t
		}
	}
	return raw
}

// DedupKey builds the dedup key for a file row: lowercased name plus the
// owning source.
func DedupKey(name, source string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + source
}
