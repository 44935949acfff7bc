package index

import (
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/fandrade/parlatrack/models"
)

// KeywordHit is one BM25 match from the keyword index.
type KeywordHit struct {
	ChunkID   string
	SessionID string
	Score     float64
	Rank      int
}

// Keyword maintains a bleve full-text index over chunk text, used by the
// retrieval engine's hybrid mode alongside the vector index.
type Keyword struct {
	mu  sync.RWMutex
	idx bleve.Index
}

type keywordDoc struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// OpenKeyword opens (or creates) a keyword index at path. An empty path
// yields a memory-only index.
func OpenKeyword(path string) (*Keyword, error) {
	mapping := bleve.NewIndexMapping()
	if path == "" {
		idx, err := bleve.NewMemOnly(mapping)
		if err != nil {
			return nil, fmt.Errorf("open keyword index: %w", err)
		}
		return &Keyword{idx: idx}, nil
	}
	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open keyword index: %w", err)
		}
		return &Keyword{idx: idx}, nil
	}
	idx, err := bleve.New(path, mapping)
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return &Keyword{idx: idx}, nil
}

// Put indexes or re-indexes the given chunks.
func (k *Keyword) Put(chunks []models.Chunk) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	batch := k.idx.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, keywordDoc{SessionID: c.SessionID, Text: c.Text}); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	return k.idx.Batch(batch)
}

// Delete removes chunk documents by id.
func (k *Keyword) Delete(chunkIDs []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	batch := k.idx.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	return k.idx.Batch(batch)
}

// Search runs a BM25 query and returns up to kTop hits.
func (k *Keyword) Search(q string, kTop int) ([]KeywordHit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, kTop, 0, false)
	req.Fields = []string{"session_id"}
	res, err := k.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	var out []KeywordHit
	for i, hit := range res.Hits {
		sessionID, _ := hit.Fields["session_id"].(string)
		out = append(out, KeywordHit{ChunkID: hit.ID, SessionID: sessionID, Score: hit.Score, Rank: i + 1})
	}
	return out, nil
}

// Close releases the underlying index.
func (k *Keyword) Close() error {
	return k.idx.Close()
}
