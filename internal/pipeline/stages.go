package pipeline

import (
	"context"

	"github.com/fandrade/parlatrack/models"
)

// Acquirer fetches and extracts a session's source documents.
type Acquirer interface {
	Acquire(ctx context.Context, meta models.SessionMetadata) ([]models.Document, error)
}

// Transcriber produces a timestamped transcript for a recording URL.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL string) ([]models.TranscriptSegment, error)
}

// Structurer extracts the structured report for a transcribed session.
type Structurer interface {
	Extract(ctx context.Context, sess *models.Session) (*models.StructuredReport, error)
}

// Embedder is the slice of the model provider the indexer needs.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() string
}

// StoreAPI is the slice of the session store the coordinator drives.
type StoreAPI interface {
	GetSession(ctx context.Context, id string) (models.Session, error)
	TransitionStatus(ctx context.Context, id string, from, to models.SessionStatus) (bool, error)
	SaveDocuments(ctx context.Context, id string, docs []models.Document) error
	SaveTranscript(ctx context.Context, id string, segments []models.TranscriptSegment) error
	SaveReport(ctx context.Context, id string, report *models.StructuredReport) error
	BumpAttempt(ctx context.Context, id string, stage models.Stage, lastErr string) (int, error)
	MarkFailed(ctx context.Context, id string, stage models.Stage, reason string) error
	ResetSession(ctx context.Context, id string) error
	ReplaceChunks(ctx context.Context, sessionID string, chunks []models.Chunk) error
	ListChunkIDs(ctx context.Context, sessionID string) ([]string, error)
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}
