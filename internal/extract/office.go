package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// The OOXML and OpenDocument families are zip archives of XML parts, so
// they are read with archive/zip plus encoding/xml directly.

func openArchive(data []byte, format string) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newError(CorruptFile, format, err)
	}
	return zr, nil
}

func readArchiveFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("archive part %s not found", name)
}

// docx: paragraphs live in word/document.xml. Heading level comes from the
// paragraph style (Heading1..Heading9); list items carry numbering props.
func extractDocx(data []byte, opts Options) (Result, error) {
	zr, err := openArchive(data, "docx")
	if err != nil {
		return Result{}, err
	}
	part, err := readArchiveFile(zr, "word/document.xml")
	if err != nil {
		return Result{}, newError(CorruptFile, "docx", err)
	}

	dec := xml.NewDecoder(bytes.NewReader(part))
	var b strings.Builder
	var para strings.Builder
	paragraphs := 0
	headingLevel := 0
	isListItem := false

	flush := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		if text == "" {
			headingLevel, isListItem = 0, false
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		switch {
		case headingLevel > 0 && opts.headingsAsMarkdown():
			b.WriteString(strings.Repeat("#", headingLevel) + " " + text)
		case isListItem && (opts.Strategy == Markdown || (opts.Strategy == StructurePreserving && opts.PreserveLists)):
			b.WriteString("- " + text)
		default:
			b.WriteString(text)
		}
		paragraphs++
		headingLevel, isListItem = 0, false
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, newError(CorruptFile, "docx", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" && strings.HasPrefix(a.Value, "Heading") {
						if lvl, err := strconv.Atoi(strings.TrimPrefix(a.Value, "Heading")); err == nil {
							headingLevel = min(lvl, 6)
						}
					}
				}
			case "numPr":
				isListItem = true
			case "t":
				var text string
				if err := dec.DecodeElement(&text, &t); err == nil {
					para.WriteString(text)
				}
			case "tab":
				para.WriteString("\t")
			case "br":
				para.WriteString("\n")
			}
		case xml.EndElement:
			if t.Name.Local == "p" {
				flush()
			}
		}
	}
	flush()

	res := Result{Text: b.String()}
	if opts.IncludeMetadata {
		res.Metadata = map[string]string{"format": "docx", "paragraphs": fmt.Sprint(paragraphs)}
	}
	return res, nil
}

// xlsx: cell values reference the shared-string table; sheets render as
// tables honoring the configured table format.
func extractXlsx(data []byte, opts Options) (Result, error) {
	zr, err := openArchive(data, "xlsx")
	if err != nil {
		return Result{}, err
	}

	shared, err := readSharedStrings(zr)
	if err != nil {
		return Result{}, newError(CorruptFile, "xlsx", err)
	}

	var sheetNames []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			sheetNames = append(sheetNames, f.Name)
		}
	}
	if len(sheetNames) == 0 {
		return Result{}, newError(CorruptFile, "xlsx", fmt.Errorf("no worksheets"))
	}
	sort.Strings(sheetNames)

	var b strings.Builder
	for _, name := range sheetNames {
		part, err := readArchiveFile(zr, name)
		if err != nil {
			return Result{}, newError(CorruptFile, "xlsx", err)
		}
		rows, err := readSheetRows(part, shared)
		if err != nil {
			return Result{}, newError(CorruptFile, "xlsx", err)
		}
		if len(rows) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(renderTable(rows, opts))
	}

	res := Result{Text: b.String()}
	if opts.IncludeMetadata {
		res.Metadata = map[string]string{"format": "xlsx", "sheets": fmt.Sprint(len(sheetNames))}
	}
	return res, nil
}

func readSharedStrings(zr *zip.Reader) ([]string, error) {
	part, err := readArchiveFile(zr, "xl/sharedStrings.xml")
	if err != nil {
		return nil, nil // optional part
	}
	var sst struct {
		SI []struct {
			T string   `xml:"t"`
			R []struct {
				T string `xml:"t"`
			} `xml:"r"`
		} `xml:"si"`
	}
	if err := xml.Unmarshal(part, &sst); err != nil {
		return nil, err
	}
	out := make([]string, len(sst.SI))
	for i, si := range sst.SI {
		if len(si.R) > 0 {
			var sb strings.Builder
			for _, r := range si.R {
				sb.WriteString(r.T)
			}
			out[i] = sb.String()
			continue
		}
		out[i] = si.T
	}
	return out, nil
}

func readSheetRows(part []byte, shared []string) ([][]string, error) {
	var sheet struct {
		Rows []struct {
			Cells []struct {
				Type  string `xml:"t,attr"`
				Value string `xml:"v"`
				IS    struct {
					T string `xml:"t"`
				} `xml:"is"`
			} `xml:"c"`
		} `xml:"sheetData>row"`
	}
	if err := xml.Unmarshal(part, &sheet); err != nil {
		return nil, err
	}
	var rows [][]string
	for _, r := range sheet.Rows {
		row := make([]string, 0, len(r.Cells))
		empty := true
		for _, c := range r.Cells {
			val := c.Value
			switch c.Type {
			case "s":
				if idx, err := strconv.Atoi(c.Value); err == nil && idx >= 0 && idx < len(shared) {
					val = shared[idx]
				}
			case "inlineStr":
				val = c.IS.T
			}
			if strings.TrimSpace(val) != "" {
				empty = false
			}
			row = append(row, val)
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// pptx: slide text lives in a:t runs under ppt/slides/slideN.xml.
func extractPptx(data []byte, opts Options) (Result, error) {
	zr, err := openArchive(data, "pptx")
	if err != nil {
		return Result{}, err
	}

	var slides []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slides = append(slides, f.Name)
		}
	}
	if len(slides) == 0 {
		return Result{}, newError(CorruptFile, "pptx", fmt.Errorf("no slides"))
	}
	// slide10.xml must sort after slide2.xml
	sort.Slice(slides, func(i, j int) bool {
		return slideNumber(slides[i]) < slideNumber(slides[j])
	})

	var b strings.Builder
	for _, name := range slides {
		part, err := readArchiveFile(zr, name)
		if err != nil {
			return Result{}, newError(CorruptFile, "pptx", err)
		}
		text, err := xmlTextByElement(part, "t")
		if err != nil {
			return Result{}, newError(CorruptFile, "pptx", err)
		}
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}

	res := Result{Text: b.String()}
	if opts.IncludeMetadata {
		res.Metadata = map[string]string{"format": "pptx", "slides": fmt.Sprint(len(slides))}
	}
	return res, nil
}

func slideNumber(name string) int {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n, _ := strconv.Atoi(digits)
	return n
}

// OpenDocument text/spreadsheet/presentation all keep content in
// content.xml; paragraph text is in text:p / text:h elements.
func extractOpenDocument(data []byte, format string, opts Options) (Result, error) {
	zr, err := openArchive(data, format)
	if err != nil {
		return Result{}, err
	}
	part, err := readArchiveFile(zr, "content.xml")
	if err != nil {
		return Result{}, newError(CorruptFile, format, err)
	}

	dec := xml.NewDecoder(bytes.NewReader(part))
	var b strings.Builder
	var para strings.Builder
	depth := 0
	headingLevel := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, newError(CorruptFile, format, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p", "h":
				depth++
				if t.Name.Local == "h" {
					headingLevel = 1
					for _, a := range t.Attr {
						if a.Name.Local == "outline-level" {
							if lvl, err := strconv.Atoi(a.Value); err == nil {
								headingLevel = min(lvl, 6)
							}
						}
					}
				}
			}
		case xml.CharData:
			if depth > 0 {
				para.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "p" || t.Name.Local == "h" {
				depth--
				text := strings.TrimSpace(para.String())
				para.Reset()
				if text == "" {
					headingLevel = 0
					continue
				}
				if b.Len() > 0 {
					b.WriteString("\n\n")
				}
				if t.Name.Local == "h" && opts.headingsAsMarkdown() {
					b.WriteString(strings.Repeat("#", headingLevel) + " " + text)
				} else {
					b.WriteString(text)
				}
				headingLevel = 0
			}
		}
	}

	res := Result{Text: b.String()}
	if opts.IncludeMetadata {
		res.Metadata = map[string]string{"format": format}
	}
	return res, nil
}

// xmlTextByElement joins the character data of every element with the
// given local name, newline separated.
func xmlTextByElement(part []byte, local string) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(part))
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == local {
			var text string
			if err := dec.DecodeElement(&text, &start); err != nil {
				return "", err
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text)
		}
	}
	return b.String(), nil
}
