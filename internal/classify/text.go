package classify

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// CountText returns the rune and word counts of already extracted text.
func CountText(text string) (chars, words int) {
	return utf8.RuneCountInString(text), len(strings.Fields(text))
}

// VisibleText extracts the whitespace-normalized body text of html.
func VisibleText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, template").Remove()

	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}
