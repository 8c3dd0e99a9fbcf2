// Package textutil holds the pure text transforms used by tools.
package textutil

import (
	"errors"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

var (
	reExtraBlankLines = regexp.MustCompile(`\n\s*\n\s*\n`)
	reRunOfSpaces     = regexp.MustCompile(`  +`)
)

// HTMLToText extracts readable text from an HTML page. Script and style
// bodies and comments are dropped, block ends become line breaks, entities
// are decoded and whitespace is collapsed. Plain text passes through
// unchanged apart from whitespace collapsing.
func HTMLToText(src string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(src))
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// A '<' with no closing '>' reaches EOF as an unfinished tag.
			// Keep it as text.
			if skip == 0 && errors.Is(z.Err(), io.EOF) {
				b.Write(z.Raw())
			}
			return collapse(b.String())
		case html.TextToken:
			if skip > 0 {
				continue
			}
			b.WriteString(strings.ReplaceAll(string(z.Text()), "\u00a0", " "))
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				}
			case "br":
				b.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteString("\n\n")
			case "div":
				b.WriteString("\n")
			}
		}
	}
}

func collapse(s string) string {
	s = reExtraBlankLines.ReplaceAllString(s, "\n\n")
	s = reRunOfSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Truncate cuts s to at most limit characters and reports whether it did.
func Truncate(s string, limit int) (string, bool) {
	if limit < 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i], true
		}
		n++
	}
	return s, false
}
