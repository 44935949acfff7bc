// Package discovery polls legislative feeds for new or changed sessions and
// registers them with the pipeline.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/internal/queue/streams"
	"github.com/fandrade/parlatrack/models"
)

// Source lists the sessions a legislative feed published since a given time.
type Source interface {
	Name() string
	Fetch(ctx context.Context, since time.Time) ([]models.Session, error)
}

// StoreAPI is the slice of the session store discovery writes through.
type StoreAPI interface {
	UpsertDiscovered(ctx context.Context, sess models.Session) (created bool, changed bool, err error)
}

// Resetter re-queues a session whose upstream content changed.
type Resetter interface {
	Reset(ctx context.Context, id string) error
}

// Publisher queues sessions for the pipeline workers.
type Publisher interface {
	PublishRaw(ctx context.Context, stream, eventType string, attempt int, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// feedItem is one session entry in a source feed.
type feedItem struct {
	SessionID    string   `json:"session_id"`
	Committee    string   `json:"committee"`
	Title        string   `json:"title"`
	Date         string   `json:"date"`
	DocumentURLs []string `json:"document_urls"`
	VideoURL     string   `json:"video_url"`
	Attendance   []string `json:"attendance"`
}

// FeedSource reads a JSON session feed over HTTP.
type FeedSource struct {
	name    string
	chamber string
	feedURL string
	client  *http.Client
}

// NewFeedSource builds a FeedSource from source config.
func NewFeedSource(cfg config.SourceConfig, timeout time.Duration) *FeedSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FeedSource{
		name:    cfg.Name,
		chamber: cfg.Chamber,
		feedURL: cfg.FeedURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *FeedSource) Name() string { return s.name }

// Fetch lists the sessions the feed published on or after since.
func (s *FeedSource) Fetch(ctx context.Context, since time.Time) ([]models.Session, error) {
	url := s.feedURL
	if !since.IsZero() {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "since=" + since.UTC().Format("2006-01-02")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("feed %s returned %s: %s", s.name, resp.Status, string(detail))
	}

	var payload struct {
		Sessions []feedItem `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", s.name, err)
	}

	var out []models.Session
	for _, item := range payload.Sessions {
		sess, err := s.toSession(item)
		if err != nil {
			// One malformed entry must not sink the whole poll.
			continue
		}
		if !since.IsZero() && sess.Metadata.Date.Before(since) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *FeedSource) toSession(item feedItem) (models.Session, error) {
	date, err := time.Parse("2006-01-02", item.Date)
	if err != nil {
		return models.Session{}, fmt.Errorf("bad date %q: %w", item.Date, err)
	}
	id := strings.TrimSpace(item.SessionID)
	if id == "" {
		id = fmt.Sprintf("%s-%s-%s", s.chamber, item.Date, slug(item.Committee))
	}
	meta := models.SessionMetadata{
		Chamber:      s.chamber,
		Committee:    item.Committee,
		Title:        item.Title,
		Date:         date,
		DocumentURLs: item.DocumentURLs,
		VideoURL:     item.VideoURL,
		Attendance:   item.Attendance,
	}
	return models.Session{
		ID:          id,
		Metadata:    meta,
		ContentHash: meta.Hash(),
		Status:      models.StatusDiscovered,
	}, nil
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Runner polls all configured sources on a cron schedule.
type Runner struct {
	sources  []Source
	store    StoreAPI
	resetter Resetter
	pub      Publisher
	cron     string
	lookback time.Duration
	lastRun  time.Time
	logger   *log.Logger
}

// NewRunner wires the discovery loop.
func NewRunner(sources []Source, store StoreAPI, resetter Resetter, pub Publisher, cfg config.DiscoveryConfig) *Runner {
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = 14 * 24 * time.Hour
	}
	return &Runner{
		sources:  sources,
		store:    store,
		resetter: resetter,
		pub:      pub,
		cron:     cfg.Cron,
		lookback: lookback,
		logger:   log.New(os.Stdout, "[discovery] ", log.LstdFlags),
	}
}

// AdvancePayload is the body of a session.advance envelope.
type AdvancePayload struct {
	SessionID string `json:"session_id"`
}

// RunOnce polls every source and registers what it finds. New sessions and
// sessions whose upstream metadata changed are queued for processing;
// re-seeing an unchanged session is a no-op.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	since := time.Now().Add(-r.lookback)
	var queued int
	var firstErr error

	for _, src := range r.sources {
		sessions, err := src.Fetch(ctx, since)
		if err != nil {
			r.logger.Printf("source %s: %v", src.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, sess := range sessions {
			created, changed, err := r.store.UpsertDiscovered(ctx, sess)
			if err != nil {
				r.logger.Printf("source %s: register %s: %v", src.Name(), sess.ID, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			switch {
			case created:
				r.logger.Printf("source %s: discovered %s", src.Name(), sess.ID)
			case changed:
				// Upstream content moved under a known session: start over.
				r.logger.Printf("source %s: %s changed upstream, resetting", src.Name(), sess.ID)
				if err := r.resetter.Reset(ctx, sess.ID); err != nil {
					r.logger.Printf("reset %s: %v", sess.ID, err)
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
			default:
				continue
			}
			if _, err := r.pub.PublishRaw(ctx, streams.StreamSessionAdvance, "session.discovered", 0,
				AdvancePayload{SessionID: sess.ID}); err != nil {
				r.logger.Printf("queue %s: %v", sess.ID, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			queued++
		}
	}
	return queued, firstErr
}

// Start runs the cron loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !r.isDue(now) {
				continue
			}
			r.lastRun = now
			if n, err := r.RunOnce(ctx); err != nil {
				r.logger.Printf("poll finished with errors, queued %d: %v", n, err)
			} else if n > 0 {
				r.logger.Printf("queued %d sessions", n)
			}
		}
	}
}

func (r *Runner) isDue(now time.Time) bool {
	if r.lastRun.IsZero() {
		return true
	}
	expr, err := cronexpr.Parse(r.cron)
	if err != nil {
		// Invalid schedule degrades to daily.
		return now.Sub(r.lastRun) >= 24*time.Hour
	}
	return !expr.Next(r.lastRun).After(now)
}
