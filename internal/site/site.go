// Package site renders the public pages from the content document.
// Section text is Markdown; raw HTML inside it is dropped by goldmark's
// default renderer, so the result is safe to mark as trusted HTML.
package site

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"slices"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/mailsite/internal/content"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page names accepted by Render.
const (
	PageIndex   = "index"
	PageAbout   = "about"
	PageContact = "contact"
	PageBlog    = "blog"
)

var titles = map[string]string{
	PageIndex:   "Home",
	PageAbout:   "About",
	PageContact: "Contact",
	PageBlog:    "Blog",
}

// Renderer turns a document into HTML pages. It is safe for
// concurrent use once constructed.
type Renderer struct {
	md   goldmark.Markdown
	tmpl *template.Template
}

// New parses the embedded templates.
func New() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Renderer{
		md:   goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough)),
		tmpl: tmpl,
	}, nil
}

type entryView struct {
	Date string
	Body template.HTML
}

type pageView struct {
	Page    string
	Title   string
	About   template.HTML
	Contact template.HTML
	Blog    []entryView
}

// Render writes the named page for doc to w. Blog entries are shown
// newest first; the document order is left untouched.
func (r *Renderer) Render(w io.Writer, page string, doc *content.Document) error {
	title, ok := titles[page]
	if !ok {
		return fmt.Errorf("unknown page %q", page)
	}

	view := pageView{Page: page, Title: title}
	var err error
	if view.About, err = r.Markdown(doc.About); err != nil {
		return err
	}
	if view.Contact, err = r.Markdown(doc.Contact); err != nil {
		return err
	}
	for _, e := range slices.Backward(doc.Blog) {
		body, err := r.Markdown(e.Content)
		if err != nil {
			return err
		}
		view.Blog = append(view.Blog, entryView{Date: e.Date, Body: body})
	}

	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, page+".html", view); err != nil {
		return fmt.Errorf("render %s: %w", page, err)
	}
	_, err = buf.WriteTo(w)
	return err
}

// Markdown converts one section to HTML.
func (r *Renderer) Markdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return template.HTML(buf.String()), nil //nolint:gosec // goldmark omits raw HTML by default
}
