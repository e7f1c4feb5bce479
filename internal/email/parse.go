package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 decoders
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
)

// maxBodySize caps how much of a single text part is read.
const maxBodySize = 256 * 1024

// ParseMessage decodes a raw RFC 5322 message into its subject and
// body text. A text/plain part wins over text/html; HTML is reduced to
// its text content. The UID is left for the caller to set.
//
// Unknown charsets are tolerated, matching go-message's convention of
// returning both a usable reader and an error.
func ParseMessage(raw []byte) (InboundMessage, error) {
	var msg InboundMessage
	if len(bytes.TrimSpace(raw)) == 0 {
		return msg, errors.New("empty message")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return msg, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return msg, errors.New("create mail reader returned nil")
	}

	subject, err := mr.Header.Subject()
	if err != nil {
		// Undecodable encoded-words; fall back to the raw header.
		subject = mr.Header.Get("Subject")
	}
	msg.Subject = subject

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return msg, fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()

		switch {
		case contentType == "text/plain" && textBody == "":
			body, err := io.ReadAll(io.LimitReader(part.Body, maxBodySize))
			if err != nil {
				continue
			}
			textBody = strings.TrimSpace(string(body))
		case contentType == "text/html" && htmlBody == "":
			body, err := io.ReadAll(io.LimitReader(part.Body, maxBodySize))
			if err != nil {
				continue
			}
			htmlBody = string(body)
		}
	}

	if textBody != "" {
		msg.BodyText = textBody
	} else if htmlBody != "" {
		msg.BodyText = StripHTML(htmlBody)
	}
	return msg, nil
}

// StripHTML returns the text content of an HTML fragment with all
// markup removed and surrounding whitespace trimmed. Entities are
// decoded. Script and style contents are dropped.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr":
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}
