// Package index abstracts the vector index service: upsert/delete/query of
// chunk embeddings, keyed by deterministic chunk ids.
package index

import (
	"context"
	"time"
)

// Record is one chunk embedding plus the metadata the index filters on.
type Record struct {
	ChunkID     string
	SessionID   string
	Chamber     string
	SessionDate time.Time
	Vector      []float32
}

// Filters restrict a nearest-neighbour query.
type Filters struct {
	Chamber string
	From    time.Time
	To      time.Time
}

// Candidate is a ranked query hit.
type Candidate struct {
	ChunkID     string
	SessionID   string
	SessionDate time.Time
	// Score is cosine similarity in [0,1], higher is closer.
	Score float64
}

// Index is the vector index service boundary. Query only returns chunks
// belonging to sessions visible for retrieval (status complete); sessions
// mid-indexing never surface.
type Index interface {
	Upsert(ctx context.Context, recs []Record) error
	Delete(ctx context.Context, chunkIDs []string) error
	Query(ctx context.Context, vector []float32, f Filters, k int) ([]Candidate, error)
	// ListIDs returns every chunk id the index holds for a session,
	// regardless of visibility. Used by the consistency audit.
	ListIDs(ctx context.Context, sessionID string) ([]string, error)
}
