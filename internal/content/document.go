// Package content owns the persisted website document: the about and
// contact sections and the append-only blog. The Store is the only
// writer; the pipeline mutates the document exclusively through
// [Store.Update].
package content

// Placeholder text written when the document is first created or
// reset after corruption.
const (
	DefaultAbout   = "Default about content"
	DefaultContact = "Default contact content"
)

// DateLayout is the calendar-date format of blog entries.
const DateLayout = "2006-01-02"

// Document is the full persisted state of the three website sections.
type Document struct {
	About   string      `json:"about"`
	Contact string      `json:"contact"`
	Blog    []BlogEntry `json:"blog"`
}

// BlogEntry is a single dated blog post. Date is server-local and
// formatted with [DateLayout].
type BlogEntry struct {
	Date    string `json:"date"`
	Content string `json:"content"`
}

// Default returns a freshly allocated default document. Blog is an
// empty slice so it serializes as [] rather than null.
func Default() *Document {
	return &Document{
		About:   DefaultAbout,
		Contact: DefaultContact,
		Blog:    []BlogEntry{},
	}
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Blog = make([]BlogEntry, len(d.Blog))
	copy(c.Blog, d.Blog)
	return &c
}
