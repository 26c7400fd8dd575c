package msghandler

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// goquerySelection shortens the Each callback signatures in handlers.go.
type goquerySelection = goquery.Selection

// parseFragment parses message content as an HTML fragment. Returns nil when
// the content carries no markup or cannot be parsed; handlers fall back to
// empty payloads in that case. Tag and attribute names come back lowercased
// by the HTML parser, so selectors here use lowercase throughout.
func parseFragment(content string) *goquery.Document {
	if !strings.Contains(content, "<") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil
	}
	return doc
}

// textContent returns the markup-stripped text of content.
func textContent(content string) string {
	doc := parseFragment(content)
	if doc == nil {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(doc.Text())
}

// attrString reads an attribute, empty when absent.
func attrString(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return strings.TrimSpace(v)
}

// attrInt reads an integer attribute, 0 when absent or malformed.
func attrInt(sel *goquery.Selection, name string) int64 {
	return parseInt(attrString(sel, name))
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// coordinate parses a latitude/longitude attribute. Skype writes coordinates
// as integer millionths of a degree; integral values outside the degree range
// are scaled down accordingly.
func coordinate(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if !strings.Contains(s, ".") && (v > 360 || v < -360) {
		return v / 1e6
	}
	return v
}
