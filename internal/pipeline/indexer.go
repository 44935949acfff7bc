package pipeline

import (
	"context"
	"fmt"

	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/models"
)

// MetaEmbeddingModel is the index_meta key recording which embedding model
// built the vector index. Retrieval refuses to serve queries when the
// configured model disagrees with it.
const MetaEmbeddingModel = "embedding_model"

// Indexer runs the index stage: chunk, embed, persist, upsert vectors and
// delete whatever the previous run left behind. The keyword index is not
// written here; the serve process mirrors completed chunks into it.
type Indexer struct {
	store      StoreAPI
	index      index.Index
	embedder   Embedder
	chunkSize  int
	overlap    int
	embedBatch int
}

// NewIndexer builds an Indexer.
func NewIndexer(store StoreAPI, idx index.Index, embedder Embedder, chunkSize, overlap, embedBatch int) *Indexer {
	if embedBatch <= 0 {
		embedBatch = 96
	}
	return &Indexer{
		store:      store,
		index:      idx,
		embedder:   embedder,
		chunkSize:  chunkSize,
		overlap:    overlap,
		embedBatch: embedBatch,
	}
}

// Run re-indexes the session from scratch. The document store is written
// before the vector index so a crash between the two leaves chunk text
// retrievable and the consistency audit can repair the index. Stale chunks
// from a previous, differently-shaped run are removed by set difference.
func (ix *Indexer) Run(ctx context.Context, sess *models.Session) error {
	chunks := BuildChunks(sess, ix.chunkSize, ix.overlap)

	previous, err := ix.store.ListChunkIDs(ctx, sess.ID)
	if err != nil {
		return Transient("index session", fmt.Errorf("list previous chunks: %w", err))
	}

	vectors, err := ix.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}

	if err := ix.store.ReplaceChunks(ctx, sess.ID, chunks); err != nil {
		return Transient("index session", fmt.Errorf("persist chunks: %w", err))
	}

	records := make([]index.Record, len(chunks))
	current := make(map[string]struct{}, len(chunks))
	for i, c := range chunks {
		records[i] = index.Record{
			ChunkID:     c.ID,
			SessionID:   sess.ID,
			Chamber:     sess.Metadata.Chamber,
			SessionDate: sess.Metadata.Date,
			Vector:      vectors[i],
		}
		current[c.ID] = struct{}{}
	}
	if err := ix.index.Upsert(ctx, records); err != nil {
		return Transient("index session", fmt.Errorf("upsert vectors: %w", err))
	}

	var stale []string
	for _, id := range previous {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := ix.index.Delete(ctx, stale); err != nil {
			return Transient("index session", fmt.Errorf("delete stale vectors: %w", err))
		}
	}

	if err := ix.store.SetMeta(ctx, MetaEmbeddingModel, ix.embedder.EmbeddingModel()); err != nil {
		return Transient("index session", fmt.Errorf("record embedding model: %w", err))
	}
	return nil
}

func (ix *Indexer) embedChunks(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += ix.embedBatch {
		end := start + ix.embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		batch, err := ix.embedder.CreateEmbedding(ctx, texts)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(chunks) {
		return nil, Transient("index session", fmt.Errorf("embedded %d of %d chunks", len(vectors), len(chunks)))
	}
	return vectors, nil
}
