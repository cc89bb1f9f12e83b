package clean

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractText reduces an HTML document to its visible text. Scripts,
// styles, and navigation chrome carry no listing data and only burn
// prompt budget.
func extractText(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, iframe, svg, nav, footer").Remove()

	var b strings.Builder
	doc.Find("body").Each(func(_ int, sel *goquery.Selection) {
		b.WriteString(sel.Text())
	})
	text := b.String()
	if text == "" {
		text = doc.Text()
	}
	return collapseWhitespace(text), nil
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
