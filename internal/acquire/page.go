package acquire

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

const nextDataSelector = "script#__NEXT_DATA__"

// nextData returns the Next.js bootstrap JSON embedded in a page.
func nextData(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", eris.Wrap(err, "acquire: parse html")
	}
	raw := strings.TrimSpace(doc.Find(nextDataSelector).First().Text())
	if raw == "" {
		return "", eris.New("acquire: __NEXT_DATA__ script not found")
	}
	if !gjson.Valid(raw) {
		return "", eris.New("acquire: __NEXT_DATA__ is not valid json")
	}
	return raw, nil
}

// firstLink returns the absolute href of the first element matching selector.
func firstLink(html, selector, base string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", eris.Wrap(err, "acquire: parse html")
	}
	href, ok := doc.Find(selector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", ErrNotFound
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", eris.Wrapf(err, "acquire: parse link %q", href)
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", eris.Wrapf(err, "acquire: parse base %q", base)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

// slug joins the upper-cased canonical address with sep, the way listing
// sites build search paths.
func slug(canonical, sep string) string {
	return strings.Join(strings.Fields(canonical), sep)
}
