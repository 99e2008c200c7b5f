package extractor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

const jsonLDSelector = `script[type="application/ld+json"]`

// StructuredData reads schema.org Event objects embedded as JSON-LD.
type StructuredData struct {
	loc *time.Location
}

// NewStructuredData returns a JSON-LD strategy that interprets zone-less dates in loc.
func NewStructuredData(loc *time.Location) *StructuredData {
	if loc == nil {
		loc = time.UTC
	}
	return &StructuredData{loc: loc}
}

// Name implements Strategy.
func (s *StructuredData) Name() string { return "json-ld" }

// Apply implements Strategy. Malformed blocks are skipped and their parse errors are
// returned joined, together with any field that failed to parse on the event object.
func (s *StructuredData) Apply(doc *goquery.Document, page ingest.Page, c *ingest.Candidate) error {
	var errs []error
	doc.Find(jsonLDSelector).EachWithBreak(func(i int, sel *goquery.Selection) bool {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return true
		}
		if !gjson.Valid(raw) {
			errs = append(errs, fmt.Errorf("json-ld block %d: invalid json", i))
			return true
		}
		node, ok := findEvent(gjson.Parse(raw))
		if !ok {
			return true
		}
		if err := s.fill(node, page, c); err != nil {
			errs = append(errs, fmt.Errorf("json-ld block %d: %w", i, err))
		}
		return false
	})
	return errors.Join(errs...)
}

func (s *StructuredData) fill(node gjson.Result, page ingest.Page, c *ingest.Candidate) error {
	setString(c, FieldTitle, &c.Title, collapseSpace(key(node, "name").String()), ingest.OriginStructured)
	setString(c, FieldDescription, &c.Description, collapseSpace(key(node, "description").String()), ingest.OriginStructured)
	setString(c, FieldVenue, &c.Venue, collapseSpace(locationName(key(node, "location"))), ingest.OriginStructured)
	setString(c, FieldImageURL, &c.ImageURL, resolveAgainst(page.URL, imageURL(key(node, "image"))), ingest.OriginStructured)

	start := key(node, "startDate")
	if !c.Date.IsZero() || !start.Exists() {
		return nil
	}
	date, err := ParseDate(start.String(), s.loc)
	if err != nil {
		return fmt.Errorf("startDate: %w", err)
	}
	c.Date = date
	c.Origins[FieldDate] = ingest.OriginStructured
	return nil
}

// findEvent walks a JSON-LD document (object, array or @graph container) and returns
// the first node typed as an Event or one of its subtypes.
func findEvent(root gjson.Result) (gjson.Result, bool) {
	switch {
	case root.IsArray():
		for _, item := range root.Array() {
			if node, ok := findEvent(item); ok {
				return node, true
			}
		}
	case root.IsObject():
		if isEventType(key(root, "@type")) {
			return root, true
		}
		if graph := key(root, "@graph"); graph.IsArray() {
			return findEvent(graph)
		}
	}
	return gjson.Result{}, false
}

func isEventType(t gjson.Result) bool {
	if t.IsArray() {
		for _, item := range t.Array() {
			if isEventType(item) {
				return true
			}
		}
		return false
	}
	name := t.String()
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	return strings.HasSuffix(name, "Event")
}

// key looks up a top-level member by exact name. JSON-LD keywords start with '@', which
// gjson paths treat as modifiers, so members are matched by iteration.
func key(obj gjson.Result, name string) gjson.Result {
	var out gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == name {
			out = v
			return false
		}
		return true
	})
	return out
}

func locationName(loc gjson.Result) string {
	switch {
	case loc.IsArray():
		for _, item := range loc.Array() {
			if name := locationName(item); name != "" {
				return name
			}
		}
		return ""
	case loc.IsObject():
		return key(loc, "name").String()
	case loc.Type == gjson.String:
		return loc.String()
	default:
		return ""
	}
}

func imageURL(img gjson.Result) string {
	switch {
	case img.IsArray():
		for _, item := range img.Array() {
			if u := imageURL(item); u != "" {
				return u
			}
		}
		return ""
	case img.IsObject():
		if u := key(img, "url").String(); u != "" {
			return u
		}
		return key(img, "contentUrl").String()
	case img.Type == gjson.String:
		return strings.TrimSpace(img.String())
	default:
		return ""
	}
}
