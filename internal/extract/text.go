package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"
)

func extractPlain(data []byte, opts Options) (Result, error) {
	if !utf8.Valid(data) {
		return Result{}, newError(CorruptFile, "txt", fmt.Errorf("content is not valid UTF-8"))
	}
	text := string(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n")))
	res := Result{Text: text}
	if opts.IncludeMetadata {
		res.Metadata = map[string]string{"format": "txt"}
	}
	return res, nil
}

func extractCSV(data []byte, opts Options) (Result, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return Result{}, newError(CorruptFile, "csv", err)
	}
	res := Result{Text: renderTable(rows, opts)}
	if opts.IncludeMetadata {
		res.Metadata = map[string]string{"format": "csv", "rows": fmt.Sprint(len(rows))}
	}
	return res, nil
}

// renderTable renders rows according to the configured table format. The
// plain-text strategy always collapses to space-joined lines.
func renderTable(rows [][]string, opts Options) string {
	format := opts.TableFormat
	if opts.Strategy == Markdown {
		format = TableMarkdown
	}
	if opts.Strategy == PlainText || (opts.Strategy == StructurePreserving && !opts.ExtractTables) {
		format = TablePlain
	}

	var b strings.Builder
	switch format {
	case TableMarkdown:
		for i, row := range rows {
			b.WriteString("| ")
			b.WriteString(strings.Join(row, " | "))
			b.WriteString(" |\n")
			if i == 0 {
				b.WriteString("|")
				b.WriteString(strings.Repeat(" --- |", len(row)))
				b.WriteString("\n")
			}
		}
	case TableCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		for _, row := range rows {
			_ = w.Write(row)
		}
		w.Flush()
		b.WriteString(buf.String())
	default:
		for _, row := range rows {
			b.WriteString(strings.Join(row, " "))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
