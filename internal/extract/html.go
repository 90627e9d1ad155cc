package extract

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// extractHTML walks the node tree, emitting text with optional structure.
func extractHTML(data []byte, opts Options) (Result, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Result{}, newError(CorruptFile, "html", err)
	}

	w := &htmlWriter{opts: opts, meta: map[string]string{}}
	w.walk(doc)

	res := Result{Text: collapseBlankLines(w.b.String())}
	if opts.IncludeMetadata {
		w.meta["format"] = "html"
		res.Metadata = w.meta
	}
	return res, nil
}

type htmlWriter struct {
	opts     Options
	b        strings.Builder
	meta     map[string]string
	listItem bool
}

func (w *htmlWriter) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "head":
			if n.Data == "head" {
				w.collectMeta(n)
			}
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			w.writeHeading(n)
			return
		case "li":
			w.newline()
			if w.opts.Strategy != PlainText && w.opts.PreserveLists || w.opts.Strategy == Markdown {
				w.b.WriteString("- ")
			}
			w.walkChildren(n)
			w.newline()
			return
		case "pre", "code":
			if n.Data == "pre" && (w.opts.Strategy == Markdown || (w.opts.Strategy == StructurePreserving && w.opts.PreserveCodeBlocks)) {
				w.newline()
				w.b.WriteString("```\n")
				w.b.WriteString(textOf(n))
				w.b.WriteString("\n```\n")
				return
			}
		case "table":
			w.writeTable(n)
			return
		case "p", "div", "br", "section", "article", "tr":
			w.newline()
		}
		w.walkChildren(n)
		switch n.Data {
		case "p", "div", "section", "article":
			w.newline()
		}
	case html.TextNode:
		text := strings.TrimSpace(n.Data)
		if text != "" {
			if w.b.Len() > 0 && !strings.HasSuffix(w.b.String(), "\n") && !strings.HasSuffix(w.b.String(), " ") {
				w.b.WriteString(" ")
			}
			w.b.WriteString(text)
		}
	default:
		w.walkChildren(n)
	}
}

func (w *htmlWriter) walkChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *htmlWriter) writeHeading(n *html.Node) {
	text := strings.TrimSpace(textOf(n))
	if text == "" {
		return
	}
	w.newline()
	w.newline()
	if w.opts.headingsAsMarkdown() {
		level := int(n.Data[1] - '0')
		w.b.WriteString(strings.Repeat("#", level))
		w.b.WriteString(" ")
	}
	w.b.WriteString(text)
	w.newline()
	w.newline()
}

func (w *htmlWriter) writeTable(n *html.Node) {
	var rows [][]string
	var walkRows func(*html.Node)
	walkRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var row []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					row = append(row, strings.TrimSpace(textOf(c)))
				}
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walkRows(c)
		}
	}
	walkRows(n)
	if len(rows) == 0 {
		return
	}
	w.newline()
	w.b.WriteString(renderTable(rows, w.opts))
	w.newline()
}

func (w *htmlWriter) collectMeta(head *html.Node) {
	if !w.opts.IncludeMetadata {
		return
	}
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "title" {
			w.meta["title"] = strings.TrimSpace(textOf(c))
		}
	}
}

func (w *htmlWriter) newline() {
	if w.b.Len() > 0 && !strings.HasSuffix(w.b.String(), "\n") {
		w.b.WriteString("\n")
	}
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// extractXML strips tags and keeps character data, one element per line.
func extractXML(data []byte, opts Options) (Result, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, newError(CorruptFile, "xml", err)
		}
		if cd, ok := tok.(xml.CharData); ok {
			text := strings.TrimSpace(string(cd))
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
	}
	res := Result{Text: strings.TrimRight(b.String(), "\n")}
	if opts.IncludeMetadata {
		res.Metadata = map[string]string{"format": "xml"}
	}
	return res, nil
}

// collapseBlankLines squeezes runs of blank lines down to one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
