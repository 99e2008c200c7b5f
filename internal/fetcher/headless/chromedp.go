// Package headless renders detail pages in headless Chrome for sites that build
// their event markup client side.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	// DefaultReadySelector matches the markup the extractor reads first.
	DefaultReadySelector = `script[type="application/ld+json"], h1`

	pollInterval = 100 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay bounds how long to wait for ReadySelector after the body loads.
	SettleDelay time.Duration
	// ReadySelector is the CSS selector whose presence means the event has rendered.
	ReadySelector string
}

// Fetcher implements ingest.Fetcher using chromedp. Each fetch opens its own tab
// on a shared browser allocator.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. MaxParallel of zero leaves tabs unbounded.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = DefaultReadySelector
	}

	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders rawURL and returns the DOM once the event markup shows up or the
// settle delay runs out, whichever comes first.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (ingest.Response, error) {
	if err := f.acquire(ctx); err != nil {
		return ingest.Response{}, &ingest.FetchError{URL: rawURL, Err: err}
	}
	defer f.release()

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, finalURL string
	err := chromedp.Run(tabCtx,
		f.prepareTab(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		f.waitForEvent(),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return ingest.Response{}, &ingest.FetchError{URL: rawURL, Err: fmt.Errorf("render: %w", err)}
	}

	status, headers, pageURL := doc.result(rawURL, finalURL)
	if status < 200 || status > 299 {
		return ingest.Response{}, &ingest.FetchError{URL: rawURL, StatusCode: status}
	}
	return ingest.Response{
		URL:          pageURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// waitForEvent polls for the ready selector. Running out of settle time is not an
// error; the extractor's heuristic pass still gets the DOM as it stands.
func (f *Fetcher) waitForEvent() chromedp.Action {
	expr := readyExpression(f.cfg.ReadySelector)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(f.cfg.SettleDelay)
		for {
			var ready bool
			if err := chromedp.Evaluate(expr, &ready).Do(ctx); err != nil {
				return fmt.Errorf("check ready selector: %w", err)
			}
			if ready || !time.Now().Before(deadline) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	})
}

func readyExpression(selector string) string {
	quoted, err := json.Marshal(selector)
	if err != nil {
		quoted = []byte(`"h1"`)
	}
	return fmt.Sprintf("document.querySelector(%s) !== null", quoted)
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("waiting for a headless slot"), ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots != nil {
		<-f.slots
	}
}

// documentResponse keeps the status and headers of the last top-level document
// the tab received, which after redirects is the page that was rendered.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := toHTTPHeader(resp.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.headers = headers
	d.url = resp.Response.URL
}

// result falls back to the browser location, then the requested URL, and assumes
// 200 when no document response was observed.
func (d *documentResponse) result(requestURL, finalURL string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if url == "" {
		url = finalURL
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toHTTPHeader(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, entry := range v {
				out.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}
