package content

import "strings"

// Page identifies which section of the document an email targets.
type Page string

const (
	PageAbout   Page = "about"
	PageContact Page = "contact"
	PageBlog    Page = "blog"

	// PageNone means the subject matched no section and the message
	// is skipped.
	PageNone Page = "none"
)

// classifyOrder is checked front to back; the first keyword found in
// the subject wins.
var classifyOrder = []Page{PageAbout, PageContact, PageBlog}

// Classify maps an email subject to the page it updates. Matching is a
// case-insensitive substring test, so "About the team" is [PageAbout]
// and "about and blog" is also [PageAbout].
func Classify(subject string) Page {
	s := strings.ToLower(subject)
	for _, p := range classifyOrder {
		if strings.Contains(s, string(p)) {
			return p
		}
	}
	return PageNone
}

// Valid reports whether p names a section that Update can write.
func (p Page) Valid() bool {
	switch p {
	case PageAbout, PageContact, PageBlog:
		return true
	}
	return false
}

func (p Page) String() string { return string(p) }
