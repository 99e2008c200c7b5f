package extractor

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

const descriptionSelector = ".description, .content-body, p"

// Heuristic fills fields from common page markup.
type Heuristic struct {
	loc *time.Location
}

// NewHeuristic returns a markup strategy that interprets zone-less dates in loc.
func NewHeuristic(loc *time.Location) *Heuristic {
	if loc == nil {
		loc = time.UTC
	}
	return &Heuristic{loc: loc}
}

// Name implements Strategy.
func (h *Heuristic) Name() string { return "heuristic" }

// Apply implements Strategy.
func (h *Heuristic) Apply(doc *goquery.Document, page ingest.Page, c *ingest.Candidate) error {
	title := collapseSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = collapseSpace(metaContent(doc, "og:title"))
	}
	setString(c, FieldTitle, &c.Title, title, ingest.OriginHeuristic)

	if c.Description == "" {
		doc.Find(descriptionSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			text := collapseSpace(sel.Text())
			if text == "" {
				return true
			}
			setString(c, FieldDescription, &c.Description, text, ingest.OriginHeuristic)
			return false
		})
	}

	setString(c, FieldImageURL, &c.ImageURL, resolveAgainst(page.URL, metaContent(doc, "og:image")), ingest.OriginHeuristic)

	if c.Date.IsZero() {
		doc.Find("time[datetime]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			raw, _ := sel.Attr("datetime")
			date, err := ParseDate(raw, h.loc)
			if err != nil {
				return true
			}
			c.Date = date
			c.Origins[FieldDate] = ingest.OriginHeuristic
			return false
		})
	}
	return nil
}

func metaContent(doc *goquery.Document, property string) string {
	sel := doc.Find(`meta[property="` + property + `"]`).First()
	if sel.Length() == 0 {
		sel = doc.Find(`meta[name="` + property + `"]`).First()
	}
	content, _ := sel.Attr("content")
	return strings.TrimSpace(content)
}

// resolveAgainst makes ref absolute relative to base. Unparseable input is returned as is.
func resolveAgainst(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
