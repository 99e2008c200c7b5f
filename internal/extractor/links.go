package extractor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// DefaultLinkPrefix is the path prefix detail pages live under.
const DefaultLinkPrefix = "/events/"

// Links discovers detail-page links on a listing page.
type Links struct {
	prefix string
}

// NewLinks returns a discoverer for detail pages whose path starts with prefix.
func NewLinks(prefix string) *Links {
	if prefix == "" {
		prefix = DefaultLinkPrefix
	}
	return &Links{prefix: prefix}
}

// Discover returns normalized, de-duplicated detail URLs on the listing's host in
// document order.
func (l *Links) Discover(page ingest.Page) ([]string, error) {
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("listing url %q is not absolute", page.URL)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(page.Body)))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !strings.EqualFold(abs.Hostname(), base.Hostname()) {
			return
		}
		if !strings.HasPrefix(abs.Path, l.prefix) || len(strings.Trim(abs.Path, "/")) <= len(strings.Trim(l.prefix, "/")) {
			return
		}
		normalized, err := ingest.NormalizeURL(abs.String())
		if err != nil {
			return
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links, nil
}
