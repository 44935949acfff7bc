// Package provider defines the generative and embedding model boundary.
// Implementations are stateless per call; all retry policy lives in the
// pipeline coordinator.
package provider

import "context"

// Provider is a combined chat-completion and embedding client.
type Provider interface {
	// ChatCompletion sends one system+user exchange and returns the raw
	// model text.
	ChatCompletion(ctx context.Context, system, user string) (string, error)
	// CreateEmbedding embeds the given texts, one vector per input, using
	// the provider's configured embedding model.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// EmbeddingModel identifies the embedding model/version in use, so
	// callers can refuse to query an index built with a different one.
	EmbeddingModel() string
}
