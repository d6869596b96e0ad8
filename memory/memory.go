package memory

import (
	"context"
	"errors"
)

// Vector space names. SingleVector stores only SpaceContent.
const (
	SpaceContent   = "content"
	SpaceEmotional = "emotional"
)

// ErrNotFound is returned when a record id is unknown to the store.
var ErrNotFound = errors.New("memory: record not found")

// Embedder converts text to vector embeddings.
// Implementations: hash.Embedder (offline fallback), llm.OpenAIEmbedder (HTTP),
// resilient.Embedder (primary with cache and hash fallback).
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// Hit is one record returned by a VectorStore.
type Hit struct {
	ID         string
	Similarity float64 // cosine similarity, only set by Search
	Document   string
	Payload    map[string]string
	Vectors    map[string][]float32 // only set by Retrieve
}

// VectorStore is the similarity-search backend of the EpisodicStore.
// Implementations: chromem.Store.
//
// Upserting an existing id replaces the record. Search on an empty space
// returns no hits rather than an error.
type VectorStore interface {
	// Upsert writes a record with one vector per named space.
	Upsert(ctx context.Context, id string, vectors map[string][]float32, document string, payload map[string]string) error

	// Search returns up to k hits from one space, most similar first.
	Search(ctx context.Context, space string, vector []float32, k int) ([]Hit, error)

	// Retrieve returns the records that exist among ids, with their vectors.
	// Unknown ids are skipped.
	Retrieve(ctx context.Context, ids ...string) ([]Hit, error)

	// Count returns the number of records in the content space.
	Count() int

	// Close releases resources.
	Close() error
}

// AnchorStore persists the narrative anchor window across process restarts.
// Implementations: anchors.FileStore, anchors.SQLiteStore.
type AnchorStore interface {
	LoadAnchors(ctx context.Context) ([]AnchorEntry, error)
	SaveAnchors(ctx context.Context, entries []AnchorEntry) error
}
