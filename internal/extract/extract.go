// Package extract converts raw document bytes into text. It is polymorphic
// over format (PDF, Office XML, OpenDocument, HTML/XML, plain text, CSV)
// and over extraction strategy. Failures are typed and always scoped to a
// single file; callers record them and move on to the next file.
package extract

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Strategy selects how much document structure survives extraction.
type Strategy string

const (
	// PlainText is the fastest path: text content only, structure dropped.
	PlainText Strategy = "plain_text"
	// StructurePreserving retains headings, lists, tables and code blocks
	// according to the sub-options.
	StructurePreserving Strategy = "structure_preserving"
	// Markdown normalizes the document to Markdown.
	Markdown Strategy = "markdown"
)

// TableFormat controls how extracted tables are rendered.
type TableFormat string

const (
	TablePlain    TableFormat = "plain"
	TableMarkdown TableFormat = "markdown"
	TableCSV      TableFormat = "csv"
)

// HeadingFormat controls how headings are rendered under the
// structure-preserving strategy.
type HeadingFormat string

const (
	HeadingMarkdown HeadingFormat = "markdown"
	HeadingPlain    HeadingFormat = "plain"
)

// Options configures extraction. Validate is called at transform creation
// time so malformed configs never reach a worker.
type Options struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`

	// Structure-preserving sub-options.
	PreserveFormatting bool          `json:"preserve_formatting" yaml:"preserve_formatting"`
	ExtractTables      bool          `json:"extract_tables" yaml:"extract_tables"`
	TableFormat        TableFormat   `json:"table_format" yaml:"table_format"`
	PreserveHeadings   bool          `json:"preserve_headings" yaml:"preserve_headings"`
	HeadingFormat      HeadingFormat `json:"heading_format" yaml:"heading_format"`
	PreserveLists      bool          `json:"preserve_lists" yaml:"preserve_lists"`
	PreserveCodeBlocks bool          `json:"preserve_code_blocks" yaml:"preserve_code_blocks"`
	IncludeMetadata    bool          `json:"include_metadata" yaml:"include_metadata"`

	// MaxFileSize rejects oversized inputs with ErrSizeExceeded.
	// Zero means the default of 100MB.
	MaxFileSize int64 `json:"max_file_size,omitempty" yaml:"max_file_size,omitempty"`
}

// DefaultMaxFileSize bounds input size when Options.MaxFileSize is zero.
const DefaultMaxFileSize = 100 << 20

// Validate checks the options for internal consistency.
func (o Options) Validate() error {
	switch o.Strategy {
	case PlainText, StructurePreserving, Markdown:
	case "":
		return errors.New("extraction strategy is required")
	default:
		return fmt.Errorf("unknown extraction strategy %q", o.Strategy)
	}
	switch o.TableFormat {
	case "", TablePlain, TableMarkdown, TableCSV:
	default:
		return fmt.Errorf("unknown table format %q", o.TableFormat)
	}
	switch o.HeadingFormat {
	case "", HeadingMarkdown, HeadingPlain:
	default:
		return fmt.Errorf("unknown heading format %q", o.HeadingFormat)
	}
	if o.MaxFileSize < 0 {
		return errors.New("max_file_size must not be negative")
	}
	return nil
}

func (o Options) maxSize() int64 {
	if o.MaxFileSize > 0 {
		return o.MaxFileSize
	}
	return DefaultMaxFileSize
}

// headingsAsMarkdown reports whether headings should carry '#' markers.
func (o Options) headingsAsMarkdown() bool {
	if o.Strategy == Markdown {
		return true
	}
	return o.Strategy == StructurePreserving && o.PreserveHeadings && o.HeadingFormat != HeadingPlain
}

// Reason classifies an extraction failure.
type Reason string

const (
	UnsupportedFormat Reason = "unsupported_format"
	CorruptFile       Reason = "corrupt_file"
	SizeExceeded      Reason = "size_exceeded"
)

// Error is a typed, per-file extraction failure.
type Error struct {
	Reason Reason
	Format string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Format, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(reason Reason, format string, err error) *Error {
	return &Error{Reason: reason, Format: format, Err: err}
}

// ReasonOf returns the typed reason of an extraction error, or "" when err
// is not an extraction failure.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Result is the extracted text plus document metadata when
// Options.IncludeMetadata is set.
type Result struct {
	Text     string
	Metadata map[string]string
}

// Extract converts file bytes into text according to the content type and
// strategy. The content type may be a MIME type or a bare filename; when
// it carries an extension the extension wins over sniffing.
func Extract(data []byte, contentType string, opts Options) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}
	format := normalizeFormat(contentType)
	if int64(len(data)) > opts.maxSize() {
		return Result{}, newError(SizeExceeded, format,
			fmt.Errorf("%d bytes exceeds limit of %d", len(data), opts.maxSize()))
	}

	switch format {
	case "txt", "md", "text":
		return extractPlain(data, opts)
	case "csv":
		return extractCSV(data, opts)
	case "html", "htm", "xhtml":
		return extractHTML(data, opts)
	case "xml":
		return extractXML(data, opts)
	case "pdf":
		return extractPDF(data, opts)
	case "docx":
		return extractDocx(data, opts)
	case "xlsx":
		return extractXlsx(data, opts)
	case "pptx":
		return extractPptx(data, opts)
	case "odt", "ods", "odp":
		return extractOpenDocument(data, format, opts)
	case "doc", "xls", "ppt":
		// Legacy OLE compound documents have no dependable pure-Go reader.
		// They fail typed so the file surfaces in stats instead of yielding
		// garbage text.
		return Result{}, newError(UnsupportedFormat, format,
			errors.New("legacy binary Office formats are not supported; convert to the OOXML equivalent"))
	default:
		return Result{}, newError(UnsupportedFormat, format, nil)
	}
}

// normalizeFormat maps a MIME type or filename to a short format token.
func normalizeFormat(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "text/plain":
		return "txt"
	case "text/markdown":
		return "md"
	case "text/csv":
		return "csv"
	case "text/html", "application/xhtml+xml":
		return "html"
	case "text/xml", "application/xml":
		return "xml"
	case "application/pdf":
		return "pdf"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return "docx"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return "xlsx"
	case "application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return "pptx"
	case "application/vnd.oasis.opendocument.text":
		return "odt"
	case "application/vnd.oasis.opendocument.spreadsheet":
		return "ods"
	case "application/vnd.oasis.opendocument.presentation":
		return "odp"
	case "application/msword":
		return "doc"
	case "application/vnd.ms-excel":
		return "xls"
	case "application/vnd.ms-powerpoint":
		return "ppt"
	}
	// Fall back to the file extension for bare keys like "reports/q3.pdf".
	if ext := strings.TrimPrefix(path.Ext(ct), "."); ext != "" {
		return ext
	}
	return ct
}
