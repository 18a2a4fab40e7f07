// Package artifact renders AI-authored contract markdown into a Word document
// and files it against a chat.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DocxContentType is the MIME type of rendered contracts.
const DocxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Paragraph styles of the godocx default template.
const (
	styleBullet = "List Bullet"
	styleNumber = "List Number"
	styleQuote  = "Intense Quote"
)

// Renderer walks the goldmark AST of a contract into a godocx document.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer returns a CommonMark renderer.
func NewRenderer() *Renderer {
	return &Renderer{md: goldmark.New()}
}

type run struct {
	text   string
	bold   bool
	italic bool
}

type docWriter struct {
	src []byte
	doc *docx.RootDoc
	err error
}

// Render returns the .docx bytes for contract. When the markdown has no
// top-level heading, title is used as the document title.
func (r *Renderer) Render(title, contract string) ([]byte, error) {
	src := []byte(contract)
	root := r.md.Parser().Parse(text.NewReader(src))
	doc, err := godocx.NewDocument()
	if err != nil {
		return nil, fmt.Errorf("new document: %w", err)
	}
	w := &docWriter{src: src, doc: doc}

	if !hasTitle(root) && strings.TrimSpace(title) != "" {
		w.heading(strings.TrimSpace(title), 0)
	}
	for n := root.FirstChild(); n != nil && w.err == nil; n = n.NextSibling() {
		w.block(n, "")
	}
	if w.err != nil {
		return nil, w.err
	}
	return save(doc)
}

// save writes the document to a scratch file and reads the bytes back.
func save(doc *docx.RootDoc) ([]byte, error) {
	dir, err := os.MkdirTemp("", "contract-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "contract.docx")
	if err := doc.SaveTo(path); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}
	return os.ReadFile(path)
}

func hasTitle(root ast.Node) bool {
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			return true
		}
	}
	return false
}

// heading adds a Word heading; level 0 is the Title style.
func (w *docWriter) heading(s string, level uint) {
	if _, err := w.doc.AddHeading(s, level); err != nil && w.err == nil {
		w.err = fmt.Errorf("heading %q: %w", s, err)
	}
}

func (w *docWriter) block(n ast.Node, style string) {
	switch v := n.(type) {
	case *ast.Heading:
		// H1 becomes the Title; H2 and below keep their number.
		level := uint(v.Level)
		if level == 1 {
			level = 0
		}
		w.heading(plain(w.inlines(v)), level)
	case *ast.Paragraph, *ast.TextBlock:
		w.paragraph(style, w.inlines(v))
	case *ast.List:
		st := styleBullet
		if v.IsOrdered() {
			st = styleNumber
		}
		for item := v.FirstChild(); item != nil; item = item.NextSibling() {
			for c := item.FirstChild(); c != nil; c = c.NextSibling() {
				w.block(c, st)
			}
		}
	case *ast.Blockquote:
		for c := v.FirstChild(); c != nil; c = c.NextSibling() {
			w.block(c, styleQuote)
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			w.paragraph(style, []run{{text: strings.TrimRight(string(seg.Value(w.src)), "\r\n")}})
		}
	case *ast.ThematicBreak:
		w.paragraph("", nil)
	case *ast.HTMLBlock:
		// raw HTML is not carried into the document
	default:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			w.block(c, style)
		}
	}
}

func (w *docWriter) paragraph(style string, runs []run) {
	p := w.doc.AddParagraph("")
	if style != "" {
		p.Style(style)
	}
	for _, r := range runs {
		if r.text == "" {
			continue
		}
		t := p.AddText(r.text)
		if r.bold {
			t.Bold(true)
		}
		if r.italic {
			t.Italic(true)
		}
	}
}

func (w *docWriter) inlines(n ast.Node) []run {
	var out []run
	w.inline(n, run{}, &out)
	return out
}

func (w *docWriter) inline(n ast.Node, f run, out *[]run) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			r := f
			r.text = string(v.Segment.Value(w.src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				r.text += " "
			}
			*out = append(*out, r)
		case *ast.String:
			r := f
			r.text = string(v.Value)
			*out = append(*out, r)
		case *ast.Emphasis:
			g := f
			if v.Level >= 2 {
				g.bold = true
			} else {
				g.italic = true
			}
			w.inline(v, g, out)
		case *ast.AutoLink:
			r := f
			r.text = string(v.Label(w.src))
			*out = append(*out, r)
		case *ast.RawHTML:
		default:
			w.inline(c, f, out)
		}
	}
}

func plain(runs []run) string {
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(r.text)
	}
	return strings.TrimSpace(b.String())
}
