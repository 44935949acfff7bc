package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/models"
)

// keywordSyncInterval is how often the keyword index is refreshed from the
// chunk store.
const keywordSyncInterval = 15 * time.Minute

// keywordSource is the slice of the store the keyword sync reads.
type keywordSource interface {
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error)
	GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error)
}

// syncKeyword mirrors the chunks of complete sessions into the keyword index.
// bleve takes an exclusive file lock, so the serve process is the index's
// only owner: workers never open it and newly indexed sessions become
// keyword-searchable on the next sweep. Entries of sessions that were reset
// linger until re-indexed; the retrieval engine filters those out by session
// status at query time.
func syncKeyword(ctx context.Context, src keywordSource, kw *index.Keyword) (int, error) {
	sessions, err := src.ListSessionsByStatus(ctx, models.StatusComplete)
	if err != nil {
		return 0, fmt.Errorf("list complete sessions: %w", err)
	}
	var indexed int
	for _, sess := range sessions {
		if len(sess.ChunkIDs) == 0 {
			continue
		}
		chunks, err := src.GetChunks(ctx, sess.ChunkIDs)
		if err != nil {
			return indexed, fmt.Errorf("load chunks for %s: %w", sess.ID, err)
		}
		if err := kw.Put(chunks); err != nil {
			return indexed, fmt.Errorf("index chunks for %s: %w", sess.ID, err)
		}
		indexed += len(chunks)
	}
	return indexed, nil
}

func runKeywordSync(ctx context.Context, src keywordSource, kw *index.Keyword) {
	if n, err := syncKeyword(ctx, src, kw); err != nil {
		log.Printf("[keyword] initial sync: %v", err)
	} else {
		log.Printf("[keyword] synced %d chunks", n)
	}
	ticker := time.NewTicker(keywordSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := syncKeyword(ctx, src, kw); err != nil {
				log.Printf("[keyword] sync: %v", err)
			}
		}
	}
}
