// Package extract turns rendered page HTML into the pieces a scrape
// result carries: outbound links and readable long-form text.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
)

// MaxLinks caps the links returned by Links.
const MaxLinks = 100

// Document is parsed page HTML.
type Document struct {
	doc *goquery.Document
}

// Parse parses rendered HTML.
func Parse(html string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Links returns unique absolute https links in document order, at most
// MaxLinks of them. Relative and malformed hrefs are skipped, not resolved.
func (d *Document) Links() []string {
	seen := make(map[string]struct{})
	links := make([]string, 0, 32)
	d.doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return true
		}
		normalized := u.String()
		if _, dup := seen[normalized]; dup {
			return true
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
		return len(links) < MaxLinks
	})
	return links
}

// LongForm renders the main readable content as lightweight markdown:
// headings become "#" lines, blockquotes "> " and list items "• ". The root
// is the first article, main or section element, else the body.
func (d *Document) LongForm() string {
	root := d.contentRoot()
	parts := make([]string, 0, 64)
	root.Find("h1, h2, h3, p, li, blockquote").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(sel); tag {
		case "h1", "h2", "h3":
			level := int(tag[1] - '0')
			parts = append(parts, "\n"+strings.Repeat("#", level)+" "+text)
		case "blockquote":
			parts = append(parts, "> "+text)
		case "li":
			parts = append(parts, "• "+text)
		default:
			parts = append(parts, text)
		}
	})
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func (d *Document) contentRoot() *goquery.Selection {
	for _, tag := range []string{"article", "main", "section"} {
		if sel := d.doc.Find(tag).First(); sel.Length() > 0 {
			return sel
		}
	}
	return d.doc.Find("body")
}

// Markdown converts whole HTML documents to CommonMark. It is safe for
// concurrent use.
type Markdown struct {
	conv *converter.Converter
}

// NewMarkdown builds a converter that drops scripts and styles and keeps
// tables.
func NewMarkdown() *Markdown {
	return &Markdown{conv: converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal)),
		),
	)}
}

// Convert renders html as markdown, resolving relative links against
// pageURL's origin when it parses.
func (m *Markdown) Convert(html, pageURL string) (string, error) {
	var (
		md  string
		err error
	)
	if u, perr := url.Parse(pageURL); perr == nil && u.Host != "" {
		md, err = m.conv.ConvertString(html, converter.WithDomain(u.Scheme+"://"+u.Host))
	} else {
		md, err = m.conv.ConvertString(html)
	}
	if err != nil {
		return "", fmt.Errorf("convert html to markdown: %w", err)
	}
	return md, nil
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
