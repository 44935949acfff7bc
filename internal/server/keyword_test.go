package server

import (
	"context"
	"testing"

	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/models"
)

type fakeChunkSource struct {
	sessions []models.Session
	chunks   map[string]models.Chunk
}

func (f *fakeChunkSource) ListSessionsByStatus(_ context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	var out []models.Session
	for _, sess := range f.sessions {
		for _, st := range statuses {
			if sess.Status == st {
				out = append(out, sess)
			}
		}
	}
	return out, nil
}

func (f *fakeChunkSource) GetChunks(_ context.Context, ids []string) ([]models.Chunk, error) {
	var out []models.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestSyncKeywordMirrorsOnlyCompleteSessions(t *testing.T) {
	doneID := models.ChunkID("senate-done", 0)
	pendingID := models.ChunkID("senate-pending", 0)
	src := &fakeChunkSource{
		sessions: []models.Session{
			{ID: "senate-done", Status: models.StatusComplete, ChunkIDs: []string{doneID}},
			{ID: "senate-pending", Status: models.StatusIndexing, ChunkIDs: []string{pendingID}},
		},
		chunks: map[string]models.Chunk{
			doneID:    {ID: doneID, SessionID: "senate-done", Text: "mining royalty bill approved"},
			pendingID: {ID: pendingID, SessionID: "senate-pending", Text: "education budget hearing"},
		},
	}

	kw, err := index.OpenKeyword("")
	if err != nil {
		t.Fatalf("OpenKeyword: %v", err)
	}
	defer kw.Close()

	n, err := syncKeyword(context.Background(), src, kw)
	if err != nil {
		t.Fatalf("syncKeyword: %v", err)
	}
	if n != 1 {
		t.Errorf("synced %d chunks, want 1", n)
	}

	hits, err := kw.Search("mining royalty", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].SessionID != "senate-done" {
		t.Errorf("hits %+v", hits)
	}
	hits, err = kw.Search("education budget", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("incomplete session mirrored into keyword index: %+v", hits)
	}
}
