// Package acquire fetches session source documents through a headless
// browser and extracts their readable text.
package acquire

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/models"
	"github.com/fandrade/parlatrack/internal/pipeline"
)

// Fetcher downloads and extracts session documents.
type Fetcher struct {
	timeout  time.Duration
	maxChars int
	// probe is used for a cheap status check before launching a browser.
	probe *http.Client
}

// New builds a Fetcher from acquisition config.
func New(cfg config.AcquisitionConfig) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 200_000
	}
	return &Fetcher{
		timeout:  timeout,
		maxChars: maxChars,
		probe:    &http.Client{Timeout: timeout},
	}
}

// Acquire fetches every document URL in the session metadata. A source that
// no longer exists fails the whole stage permanently; network trouble is
// reported as transient so the coordinator can retry.
func (f *Fetcher) Acquire(ctx context.Context, meta models.SessionMetadata) ([]models.Document, error) {
	if len(meta.DocumentURLs) == 0 {
		// Nothing to fetch is legal: some sessions only carry a video.
		return nil, nil
	}

	docs := make([]models.Document, 0, len(meta.DocumentURLs))
	for _, raw := range meta.DocumentURLs {
		doc, err := f.fetchOne(ctx, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, rawURL string) (models.Document, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return models.Document{}, pipeline.Permanent("acquire document", fmt.Errorf("invalid document url %q", rawURL))
	}

	if err := f.probeStatus(ctx, parsed.String()); err != nil {
		return models.Document{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	html, err := fetchHTML(fetchCtx, parsed.String())
	if err != nil {
		return models.Document{}, pipeline.Transient("acquire document", fmt.Errorf("render %s: %w", parsed.String(), err))
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return models.Document{}, pipeline.Permanent("acquire document", fmt.Errorf("extract %s: %w", parsed.String(), err))
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return models.Document{}, pipeline.Permanent("acquire document", fmt.Errorf("no readable text at %s", parsed.String()))
	}
	if len(text) > f.maxChars {
		text = text[:f.maxChars]
	}

	return models.Document{
		URL:   parsed.String(),
		Title: strings.TrimSpace(article.Title),
		Text:  text,
	}, nil
}

// probeStatus distinguishes a dead URL (permanent) from a flaky network
// (transient) before spending a browser render on it.
func (f *Fetcher) probeStatus(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return pipeline.Permanent("acquire document", err)
	}
	resp, err := f.probe.Do(req)
	if err != nil {
		return pipeline.Transient("acquire document", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return pipeline.Permanent("acquire document", fmt.Errorf("%s returned %s", u, resp.Status))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return pipeline.Transient("acquire document", fmt.Errorf("%s returned %s", u, resp.Status))
	case resp.StatusCode == http.StatusMethodNotAllowed:
		// Some document servers reject HEAD; let the browser decide.
		return nil
	case resp.StatusCode >= 400:
		return pipeline.Permanent("acquire document", fmt.Errorf("%s returned %s", u, resp.Status))
	}
	return nil
}

func fetchHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("ParlaTrack/1.0 (+contact@example.com)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}
