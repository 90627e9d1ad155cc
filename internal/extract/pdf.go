package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF pulls text page by page so a single damaged page does not
// lose the rest of the document.
func extractPDF(data []byte, opts Options) (Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, newError(CorruptFile, "pdf", err)
	}

	pages := reader.NumPage()
	var b strings.Builder
	extracted := 0
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
		extracted++
	}
	if extracted == 0 && pages > 0 {
		return Result{}, newError(CorruptFile, "pdf", fmt.Errorf("no extractable text in %d pages", pages))
	}

	res := Result{Text: b.String()}
	if opts.IncludeMetadata {
		res.Metadata = map[string]string{"format": "pdf", "pages": fmt.Sprint(pages)}
	}
	return res, nil
}
