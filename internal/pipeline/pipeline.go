// Package pipeline runs one ingestion pass: listing fetch, link discovery, and a
// sequential fetch/extract/reconcile/apply loop over the discovered detail pages.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/ingest"
	"github.com/JakeFAU/event-ingest/internal/metrics"
)

const tracerName = "github.com/JakeFAU/event-ingest/internal/pipeline"

// DefaultContentType is stored alongside archived detail pages.
const DefaultContentType = "text/html; charset=utf-8"

// Run results reported to metrics.
const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
	resultCanceled  = "canceled"
)

// retireBatch is the page size used when sweeping past-dated records.
const retireBatch = 200

var errStopped = errors.New("pipeline stopped")

// Reconciler decides the store mutation for one candidate.
type Reconciler interface {
	Reconcile(candidate ingest.Candidate, existing *ingest.EventRecord, now time.Time) ingest.Mutation
}

// Pacer suspends until the next request to rawURL's host is allowed.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls one pipeline instance.
type Config struct {
	ListingURL string
	// ArchivePrefix is prepended to snapshot object paths.
	ArchivePrefix string
	// ContentType is recorded on archived pages.
	ContentType string
	// Topic receives change events when a publisher is configured.
	Topic string
	// SummaryTopic receives the run summary when set.
	SummaryTopic string
}

// Deps groups the collaborators. Fetcher through IDs are required; the rest are optional.
type Deps struct {
	Fetcher    ingest.Fetcher
	Discoverer ingest.LinkDiscoverer
	Extractor  ingest.Extractor
	Reconciler Reconciler
	Store      ingest.Store
	Clock      ingest.Clock
	IDs        ingest.IDGenerator
	Pacer      Pacer

	BlobStore ingest.BlobStore
	Hasher    ingest.Hasher
	Snapshots ingest.SnapshotLog
	Publisher ingest.Publisher
	Runs      ingest.RunLog
	// Tracing defaults to the global OpenTelemetry provider.
	Tracing trace.TracerProvider
}

// Pipeline coordinates a single crawl run.
type Pipeline struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger
}

// New builds a pipeline. A nil pacer disables politeness waits.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if strings.TrimSpace(cfg.ListingURL) == "" {
		return nil, errors.New("pipeline: listing url is required")
	}
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Discoverer == nil:
		return nil, errors.New("pipeline: link discoverer is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Reconciler == nil:
		return nil, errors.New("pipeline: reconciler is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	}
	if deps.BlobStore != nil && deps.Hasher == nil {
		return nil, errors.New("pipeline: hasher is required when archiving")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}
	if deps.Tracing == nil {
		deps.Tracing = otel.GetTracerProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		tracer: deps.Tracing.Tracer(tracerName),
		logger: logger,
	}, nil
}

// Run executes one pass over the listing. The returned summary is always populated;
// err is non-nil when the listing could not be fetched, the store became unavailable,
// or ctx was canceled before every link was processed.
func (p *Pipeline) Run(ctx context.Context) (ingest.RunSummary, error) {
	start := p.deps.Clock.Now()
	summary := ingest.RunSummary{StartedAt: start.UTC()}

	runID, err := p.deps.IDs.NewID()
	if err != nil {
		summary.FinishedAt = summary.StartedAt
		summary.Error = err.Error()
		return summary, fmt.Errorf("generate run id: %w", err)
	}
	summary.RunID = runID

	ctx, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("listing.url", p.cfg.ListingURL),
	))
	defer span.End()

	metrics.RunStarted()
	logger := p.logger.With(zap.String("run_id", runID))
	logger.Info("run started", zap.String("listing_url", p.cfg.ListingURL))

	runErr := p.crawl(ctx, logger, &summary)
	p.finish(ctx, logger, &summary, runErr)

	span.SetAttributes(
		attribute.Int("run.discovered", summary.Discovered),
		attribute.Int("run.failed", summary.Failed),
		attribute.Bool("run.canceled", summary.Canceled),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return summary, runErr
}

func (p *Pipeline) crawl(ctx context.Context, logger *zap.Logger, summary *ingest.RunSummary) error {
	listing, err := p.deps.Fetcher.Fetch(ctx, p.cfg.ListingURL)
	if err != nil {
		if ctx.Err() != nil {
			summary.Canceled = true
			return fmt.Errorf("run canceled: %w", ctx.Err())
		}
		return fmt.Errorf("fetch listing: %w", err)
	}

	base := listing.URL
	if base == "" {
		base = p.cfg.ListingURL
	}
	links, err := p.deps.Discoverer.Discover(ingest.Page{URL: base, Body: listing.Body})
	if err != nil {
		return fmt.Errorf("discover links: %w", err)
	}
	summary.Discovered = len(links)
	logger.Info("links discovered", zap.Int("count", len(links)))

	for _, link := range links {
		if ctx.Err() != nil {
			summary.Canceled = true
			return fmt.Errorf("run canceled: %w", ctx.Err())
		}

		action, err := p.processLink(ctx, summary.RunID, link)
		switch {
		case err == nil:
			summary.Count(action)
			metrics.ObserveRecord(string(action))
			logger.Debug("link processed", zap.String("url", link), zap.String("action", string(action)))
		case errors.Is(err, errStopped):
			summary.Canceled = true
			return fmt.Errorf("run canceled: %w", context.Cause(ctx))
		case errors.Is(err, ingest.ErrStoreUnavailable):
			logger.Error("store unavailable, aborting run", zap.String("url", link), zap.Error(err))
			return err
		default:
			summary.Failed++
			metrics.ObserveRecord(resultFailed)
			logger.Warn("link failed", zap.String("url", link), zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		summary.Canceled = true
		return fmt.Errorf("run canceled: %w", ctx.Err())
	}
	return p.retireStale(ctx, logger, summary)
}

// retireStale marks past-dated records inactive when they are no longer linked from the
// listing, so every record dated before now ends inactive whether or not it was visited.
func (p *Pipeline) retireStale(ctx context.Context, logger *zap.Logger, summary *ingest.RunSummary) error {
	now := p.deps.Clock.Now().UTC()
	inactive := ingest.StatusInactive
	for offset := 0; ; offset += retireBatch {
		res, err := p.deps.Store.List(ctx, ingest.Filter{DateTo: &now, Limit: retireBatch, Offset: offset})
		if err != nil {
			return fmt.Errorf("list past events: %w", err)
		}
		for _, rec := range res.Records {
			if rec.Status == ingest.StatusInactive || !rec.Date.Before(now) {
				continue
			}
			updated, err := p.deps.Store.Update(ctx, rec.ID, ingest.EventPatch{Status: &inactive})
			switch {
			case errors.Is(err, ingest.ErrNotFound):
				continue
			case err != nil:
				return fmt.Errorf("retire %s: %w", rec.ID, err)
			}
			summary.Count(ingest.ActionRetire)
			metrics.ObserveRecord(string(ingest.ActionRetire))
			logger.Debug("unlisted event retired", zap.String("event_id", rec.ID), zap.String("url", rec.SourceURL))
			p.publishChange(ctx, summary.RunID, ingest.ActionRetire, updated)
		}
		if len(res.Records) < retireBatch {
			return nil
		}
	}
}

// processLink handles one detail page. Once the politeness wait returns, the remaining
// work runs to completion even if ctx is canceled; the fetch timeout bounds it.
func (p *Pipeline) processLink(ctx context.Context, runID, link string) (action ingest.Action, err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.link", trace.WithAttributes(attribute.String("url", link)))
	defer func() {
		span.SetAttributes(attribute.String("action", string(action)))
		if err != nil && !errors.Is(err, errStopped) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	existing, err := p.lookup(ctx, link)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Status == ingest.StatusInactive {
		return ingest.ActionNoop, nil
	}

	if p.deps.Pacer != nil {
		if err := p.deps.Pacer.Wait(ctx, link); err != nil {
			if ctx.Err() != nil {
				return "", errStopped
			}
			return "", err
		}
	}
	if ctx.Err() != nil {
		return "", errStopped
	}

	work := context.WithoutCancel(ctx)
	resp, err := p.deps.Fetcher.Fetch(work, link)
	if err != nil {
		return "", err
	}

	p.archive(work, runID, link, resp)

	candidate, err := p.deps.Extractor.Extract(resp.Page(link))
	if err != nil {
		return "", err
	}
	candidate.SourceURL = link

	return p.apply(work, runID, candidate, existing)
}

func (p *Pipeline) lookup(ctx context.Context, link string) (*ingest.EventRecord, error) {
	rec, err := p.deps.Store.GetBySourceURL(ctx, link)
	switch {
	case err == nil:
		return &rec, nil
	case errors.Is(err, ingest.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("lookup %s: %w", link, err)
	}
}

func (p *Pipeline) apply(
	ctx context.Context,
	runID string,
	candidate ingest.Candidate,
	existing *ingest.EventRecord,
) (ingest.Action, error) {
	now := p.deps.Clock.Now()
	mutation := p.deps.Reconciler.Reconcile(candidate, existing, now)

	if mutation.Action != ingest.ActionCreate {
		return p.applyChange(ctx, runID, mutation)
	}

	id, err := p.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	mutation.Record.ID = id
	err = p.deps.Store.Create(ctx, mutation.Record)
	if err == nil {
		p.publishChange(ctx, runID, mutation.Action, mutation.Record)
		return mutation.Action, nil
	}
	if !errors.Is(err, ingest.ErrDuplicateKey) {
		return "", fmt.Errorf("create %s: %w", candidate.SourceURL, err)
	}

	// Another writer inserted the same source URL after our lookup.
	fresh, err := p.deps.Store.GetBySourceURL(ctx, candidate.SourceURL)
	if err != nil {
		return "", fmt.Errorf("re-read %s after duplicate: %w", candidate.SourceURL, err)
	}
	mutation = p.deps.Reconciler.Reconcile(candidate, &fresh, now)
	if mutation.Action == ingest.ActionCreate {
		return "", fmt.Errorf("create %s: %w", candidate.SourceURL, ingest.ErrDuplicateKey)
	}
	return p.applyChange(ctx, runID, mutation)
}

func (p *Pipeline) applyChange(ctx context.Context, runID string, mutation ingest.Mutation) (ingest.Action, error) {
	switch mutation.Action {
	case ingest.ActionUpdate, ingest.ActionRetire, ingest.ActionTouch:
		rec, err := p.deps.Store.Update(ctx, mutation.ID, mutation.Patch)
		if err != nil {
			return "", fmt.Errorf("update %s: %w", mutation.ID, err)
		}
		if mutation.Action != ingest.ActionTouch {
			p.publishChange(ctx, runID, mutation.Action, rec)
		}
	case ingest.ActionDrop, ingest.ActionNoop:
	default:
		return "", fmt.Errorf("unexpected action %q", mutation.Action)
	}
	return mutation.Action, nil
}

// archive stores the raw page. Failures are logged and never fail the link.
func (p *Pipeline) archive(ctx context.Context, runID, link string, resp ingest.Response) {
	if p.deps.BlobStore == nil {
		return
	}
	hash, err := p.deps.Hasher.Hash(resp.Body)
	if err != nil {
		p.logger.Warn("hash page failed", zap.String("url", link), zap.Error(err))
		return
	}
	uri, err := p.deps.BlobStore.PutObject(ctx, p.blobPath(runID, hash), p.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		p.logger.Warn("archive page failed", zap.String("url", link), zap.Error(err))
		return
	}
	if p.deps.Snapshots == nil {
		return
	}
	id, err := p.deps.IDs.NewID()
	if err != nil {
		p.logger.Warn("snapshot id failed", zap.String("url", link), zap.Error(err))
		return
	}
	snap := ingest.Snapshot{
		ID:          id,
		RunID:       runID,
		URL:         link,
		Hash:        hash,
		BlobURI:     uri,
		StatusCode:  resp.StatusCode,
		ContentType: p.cfg.ContentType,
		Headers:     resp.Headers,
		FetchedAt:   p.deps.Clock.Now().UTC(),
	}
	if err := p.deps.Snapshots.RecordSnapshot(ctx, snap); err != nil {
		p.logger.Warn("record snapshot failed", zap.String("url", link), zap.Error(err))
	}
}

func (p *Pipeline) blobPath(runID, hash string) string {
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", runID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, runID, hash)
}

func (p *Pipeline) publishChange(ctx context.Context, runID string, action ingest.Action, rec ingest.EventRecord) {
	if p.deps.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	event := ingest.ChangeEvent{
		RunID:     runID,
		Action:    action,
		EventID:   rec.ID,
		SourceURL: rec.SourceURL,
		Status:    rec.Status,
		At:        p.deps.Clock.Now().UTC(),
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, event); err != nil {
		p.logger.Warn("publish change failed",
			zap.String("event_id", rec.ID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

func (p *Pipeline) finish(ctx context.Context, logger *zap.Logger, summary *ingest.RunSummary, runErr error) {
	summary.FinishedAt = p.deps.Clock.Now().UTC()
	result := resultSucceeded
	switch {
	case summary.Canceled:
		result = resultCanceled
		summary.Error = runErr.Error()
	case runErr != nil:
		result = resultFailed
		summary.Error = runErr.Error()
	}
	metrics.RunFinished(result, summary.FinishedAt.Sub(summary.StartedAt))

	fields := []zap.Field{
		zap.String("result", result),
		zap.Int("discovered", summary.Discovered),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("touched", summary.Touched),
		zap.Int("retired", summary.Retired),
		zap.Int("dropped", summary.Dropped),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	}
	if runErr != nil {
		logger.Warn("run finished", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("run finished", fields...)
	}

	bg := context.WithoutCancel(ctx)
	if p.deps.Runs != nil {
		if err := p.deps.Runs.RecordRun(bg, *summary); err != nil {
			logger.Warn("record run failed", zap.Error(err))
		}
	}
	if p.deps.Publisher != nil && p.cfg.SummaryTopic != "" {
		if _, err := p.deps.Publisher.Publish(bg, p.cfg.SummaryTopic, *summary); err != nil {
			logger.Warn("publish summary failed", zap.Error(err))
		}
	}
}
