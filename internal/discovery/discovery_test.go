package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/internal/queue/streams"
	"github.com/fandrade/parlatrack/models"
)

const feedBody = `{
  "sessions": [
    {
      "session_id": "senate-2026-08-10-finance",
      "committee": "Finance",
      "title": "Budget bill second reading",
      "date": "2026-08-10",
      "document_urls": ["https://example.org/agenda"],
      "video_url": "https://example.org/video"
    },
    {
      "committee": "Constitution and Justice",
      "title": "Reform hearing",
      "date": "2026-08-12"
    },
    {
      "committee": "Broken",
      "title": "Bad date entry",
      "date": "not-a-date"
    }
  ]
}`

type recordingStore struct {
	known   map[string]string // id -> content hash
	created []string
	changed []string
}

func (r *recordingStore) UpsertDiscovered(_ context.Context, sess models.Session) (bool, bool, error) {
	if r.known == nil {
		r.known = make(map[string]string)
	}
	prev, ok := r.known[sess.ID]
	r.known[sess.ID] = sess.ContentHash
	if !ok {
		r.created = append(r.created, sess.ID)
		return true, false, nil
	}
	if prev != sess.ContentHash {
		r.changed = append(r.changed, sess.ID)
		return false, true, nil
	}
	return false, false, nil
}

type recordingResetter struct{ reset []string }

func (r *recordingResetter) Reset(_ context.Context, id string) error {
	r.reset = append(r.reset, id)
	return nil
}

type recordingPublisher struct{ published []string }

func (r *recordingPublisher) PublishRaw(_ context.Context, stream, eventType string, attempt int, payload interface{}, _ ...streams.PublishOption) (string, error) {
	r.published = append(r.published, payload.(AdvancePayload).SessionID)
	return "1-0", nil
}

func testRunner(t *testing.T, feed string) (*Runner, *recordingStore, *recordingResetter, *recordingPublisher) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(feed))
	}))
	t.Cleanup(srv.Close)

	src := NewFeedSource(config.SourceConfig{Name: "senate-feed", Chamber: "senate", FeedURL: srv.URL}, time.Second)
	store := &recordingStore{}
	resetter := &recordingResetter{}
	pub := &recordingPublisher{}
	runner := NewRunner([]Source{src}, store, resetter, pub, config.DiscoveryConfig{Lookback: 365 * 24 * time.Hour})
	return runner, store, resetter, pub
}

func TestRunOnceRegistersAndQueuesNewSessions(t *testing.T) {
	runner, store, _, pub := testRunner(t, feedBody)

	queued, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if queued != 2 {
		t.Fatalf("queued %d, want 2 (bad-date entry skipped)", queued)
	}
	if len(store.created) != 2 {
		t.Fatalf("created %v", store.created)
	}
	// Entries without an upstream ID get a deterministic derived one.
	if store.created[1] != "senate-2026-08-12-constitution-and-justice" {
		t.Errorf("derived id %q", store.created[1])
	}
	if len(pub.published) != 2 {
		t.Errorf("published %v", pub.published)
	}
}

func TestRunOnceIdempotentOnRepeat(t *testing.T) {
	runner, _, resetter, pub := testRunner(t, feedBody)

	if _, err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	queued, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if queued != 0 {
		t.Errorf("second poll queued %d sessions, want 0", queued)
	}
	if len(pub.published) != 2 {
		t.Errorf("unchanged sessions were re-published: %v", pub.published)
	}
	if len(resetter.reset) != 0 {
		t.Errorf("unchanged sessions were reset: %v", resetter.reset)
	}
}

func TestRunOnceResetsChangedSessions(t *testing.T) {
	runner, store, resetter, pub := testRunner(t, feedBody)
	if _, err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}

	// Simulate an upstream metadata change for the first session.
	store.known["senate-2026-08-10-finance"] = "different-hash"

	queued, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued %d, want 1", queued)
	}
	if len(resetter.reset) != 1 || resetter.reset[0] != "senate-2026-08-10-finance" {
		t.Errorf("reset %v", resetter.reset)
	}
	if pub.published[len(pub.published)-1] != "senate-2026-08-10-finance" {
		t.Errorf("changed session not re-queued: %v", pub.published)
	}
}

func TestFeedSourceFiltersByDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") == "" {
			t.Error("since parameter not forwarded")
		}
		w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	src := NewFeedSource(config.SourceConfig{Name: "senate-feed", Chamber: "senate", FeedURL: srv.URL}, time.Second)
	sessions, err := src.Fetch(context.Background(), time.Date(2026, 8, 11, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Metadata.Date.Day() != 12 {
		t.Errorf("date filter failed: %+v", sessions)
	}
}
