// Package detector decides when a fetched detail page needs a headless render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

const (
	defaultMinBodyBytes = 2048
	// scriptSharePercent is the portion of the document, by bytes, that inline
	// scripts must reach before a title-less page counts as client rendered.
	scriptSharePercent = 25
)

var mountSelectors = []string{"#__next", "#root", "#app", "[data-reactroot]"}

// Heuristic promotes pages that look like an empty client-side shell.
type Heuristic struct {
	MinBodyBytes int
}

// NewHeuristic creates a detector. Pages without a title and shorter than
// minBodyBytes are promoted; zero selects the default.
func NewHeuristic(minBodyBytes int) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = defaultMinBodyBytes
	}
	return &Heuristic{MinBodyBytes: minBodyBytes}
}

// ShouldPromote reports whether resp should be fetched again with a browser.
// Pages carrying JSON-LD are never promoted; structured data already has every
// field the extractor reads.
func (h *Heuristic) ShouldPromote(resp ingest.Response) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if doc.Find(`script[type="application/ld+json"]`).Length() > 0 {
		return false
	}
	if hasEmptyMount(doc) {
		return true
	}
	if strings.TrimSpace(doc.Find("h1").First().Text()) != "" {
		return false
	}
	return len(resp.Body) < h.MinBodyBytes || scriptShare(doc, len(resp.Body)) >= scriptSharePercent
}

// hasEmptyMount finds a framework root element that has not been rendered into.
func hasEmptyMount(doc *goquery.Document) bool {
	for _, sel := range mountSelectors {
		empty := false
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if s.Children().Length() == 0 && strings.TrimSpace(s.Text()) == "" {
				empty = true
				return false
			}
			return true
		})
		if empty {
			return true
		}
	}
	return false
}

func scriptShare(doc *goquery.Document, total int) int {
	if total == 0 {
		return 0
	}
	size := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		size += len(s.Text())
	})
	return size * 100 / total
}
