// Package extractor turns fetched event pages into candidate records.
//
// Extraction is layered: strategies run in order and each one only fills fields that are
// still empty, so embedded structured data wins over markup heuristics and markup
// heuristics win over configured defaults.
package extractor

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// Candidate field names used as keys in ingest.Candidate.Origins.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldDate        = "date"
	FieldVenue       = "venue"
	FieldCity        = "city"
	FieldImageURL    = "imageUrl"
)

const (
	defaultDescriptionMax = 500
	defaultVenue          = "unknown"
)

// Strategy fills candidate fields from a parsed page. Implementations must leave fields
// that are already populated untouched.
type Strategy interface {
	Name() string
	Apply(doc *goquery.Document, page ingest.Page, c *ingest.Candidate) error
}

// Config controls defaults applied after all strategies ran.
type Config struct {
	SourceName     string
	City           string
	DefaultVenue   string
	DescriptionMax int
	Location       *time.Location
}

// Layered implements ingest.Extractor by chaining strategies.
type Layered struct {
	cfg        Config
	strategies []Strategy
	logger     *zap.Logger
}

// New builds the default structured-data-then-heuristics extractor.
func New(cfg Config, logger *zap.Logger) *Layered {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return NewLayered(cfg, logger, NewStructuredData(cfg.Location), NewHeuristic(cfg.Location))
}

// NewLayered builds an extractor from explicit strategies.
func NewLayered(cfg Config, logger *zap.Logger, strategies ...Strategy) *Layered {
	if cfg.DescriptionMax <= 0 {
		cfg.DescriptionMax = defaultDescriptionMax
	}
	if cfg.DefaultVenue == "" {
		cfg.DefaultVenue = defaultVenue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layered{
		cfg:        cfg,
		strategies: append([]Strategy(nil), strategies...),
		logger:     logger,
	}
}

// Extract parses page and returns a best-effort candidate. Only a missing title or a
// missing/unparseable start date fails extraction.
func (e *Layered) Extract(page ingest.Page) (ingest.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return ingest.Candidate{}, &ingest.ExtractError{URL: page.URL, Reason: fmt.Sprintf("parse html: %v", err)}
	}

	c := ingest.Candidate{
		SourceURL:  page.URL,
		SourceName: e.cfg.SourceName,
		Origins:    make(map[string]ingest.Origin),
	}
	for _, s := range e.strategies {
		if err := s.Apply(doc, page, &c); err != nil {
			e.logger.Warn("extraction strategy failed",
				zap.String("strategy", s.Name()),
				zap.String("url", page.URL),
				zap.Error(err),
			)
		}
	}

	if c.Venue == "" {
		c.Venue = e.cfg.DefaultVenue
		c.Origins[FieldVenue] = ingest.OriginDefault
	}
	if c.City == "" && e.cfg.City != "" {
		c.City = e.cfg.City
		c.Origins[FieldCity] = ingest.OriginDefault
	}
	c.Description = truncateRunes(c.Description, e.cfg.DescriptionMax)

	if c.Title == "" {
		return c, &ingest.ExtractError{URL: page.URL, Reason: "missing title"}
	}
	if c.Date.IsZero() {
		return c, &ingest.ExtractError{URL: page.URL, Reason: "missing or unparseable start date"}
	}
	return c, nil
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func setString(c *ingest.Candidate, field string, dst *string, value string, origin ingest.Origin) {
	if *dst != "" || value == "" {
		return
	}
	*dst = value
	c.Origins[field] = origin
}
