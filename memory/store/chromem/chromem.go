// Package chromem implements memory.VectorStore on chromem-go, a pure Go
// embedded vector database. Each vector space lives in its own collection;
// a record is written to every space it has a vector for.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/halcyon/memory"
)

// DefaultCollectionPrefix names collections "episodic_<space>".
const DefaultCollectionPrefix = "episodic_"

// errNoEmbedding is returned by the collection embedding func: vectors are
// always computed by the caller.
var errNoEmbedding = errors.New("chromem: documents must carry a precomputed embedding")

// ErrDimensionMismatch is returned when a vector's length differs from the
// vectors already stored in its space. chromem-go cannot compare vectors of
// different lengths.
var ErrDimensionMismatch = errors.New("chromem: vector dimension mismatch")

// Store wraps chromem-go for vector storage.
type Store struct {
	db          *chromem.DB
	prefix      string
	logger      *log.Logger
	collections map[string]*chromem.Collection // per vector space
	dims        map[string]int                 // vector length per space, learned from writes and hits
	mu          sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCollectionPrefix changes the collection name prefix.
func WithCollectionPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates an in-memory store.
func New(opts ...Option) (*Store, error) {
	return newStore(chromem.NewDB(), opts), nil
}

// NewPersistent creates a store persisted under path. Existing collections
// are loaded.
func NewPersistent(path string, compress bool, opts ...Option) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("open persistent db %s: %w", path, err)
	}
	return newStore(db, opts), nil
}

func newStore(db *chromem.DB, opts []Option) *Store {
	s := &Store{
		db:          db,
		prefix:      DefaultCollectionPrefix,
		logger:      log.Default().WithPrefix("chromem"),
		collections: make(map[string]*chromem.Collection),
		dims:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// collection returns the collection of a space, creating it when asked.
func (s *Store) collection(space string, create bool) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[space]
	s.mu.RUnlock()

	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[space]; exists {
		return col, nil
	}

	name := s.prefix + space
	if !create {
		// Persistent DBs may already hold the collection from a previous run.
		col = s.db.GetCollection(name, noEmbedding)
		if col == nil {
			return nil, nil
		}
	} else {
		var err error
		col, err = s.db.GetOrCreateCollection(name, map[string]string{"space": space}, noEmbedding)
		if err != nil {
			return nil, fmt.Errorf("create collection %s: %w", name, err)
		}
	}

	s.collections[space] = col
	return col, nil
}

// Upsert writes the record into every space it has a vector for.
func (s *Store) Upsert(ctx context.Context, id string, vectors map[string][]float32, document string, payload map[string]string) error {
	if len(vectors) == 0 {
		return fmt.Errorf("upsert %s: no vectors", id)
	}
	for space, vec := range vectors {
		if want := s.dimension(space); want > 0 && len(vec) != want {
			return fmt.Errorf("upsert %s into %s: got %d dimensions, want %d: %w", id, space, len(vec), want, ErrDimensionMismatch)
		}
	}

	for space, vec := range vectors {
		col, err := s.collection(space, true)
		if err != nil {
			return err
		}

		metadata := make(map[string]string, len(payload))
		for k, v := range payload {
			metadata[k] = v
		}

		doc := chromem.Document{
			ID:        id,
			Content:   document,
			Embedding: vec,
			Metadata:  metadata,
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document to %s: %w", space, err)
		}
		s.learnDimension(space, len(vec))
	}

	s.logger.Debug("upserted", "id", id, "spaces", len(vectors))
	return nil
}

// Search queries one space. chromem-go rejects nResults larger than the
// collection, so k is clamped to the document count.
func (s *Store) Search(ctx context.Context, space string, vector []float32, k int) ([]memory.Hit, error) {
	col, err := s.collection(space, false)
	if err != nil {
		return nil, err
	}
	if col == nil || k <= 0 {
		return nil, nil
	}

	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query %s: %w", space, err)
	}

	if len(results) > 0 {
		s.learnDimension(space, len(results[0].Embedding))
	}

	hits := make([]memory.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, memory.Hit{
			ID:         r.ID,
			Similarity: float64(r.Similarity),
			Document:   r.Content,
			Payload:    r.Metadata,
		})
	}
	s.logger.Debug("queried", "space", space, "k", k, "hits", len(hits))
	return hits, nil
}

// Retrieve returns the stored records among ids. The payload and document
// come from the content space; vectors are collected from every space.
func (s *Store) Retrieve(ctx context.Context, ids ...string) ([]memory.Hit, error) {
	spaces := make(map[string]*chromem.Collection, 2)
	for _, space := range []string{memory.SpaceContent, memory.SpaceEmotional} {
		col, err := s.collection(space, false)
		if err != nil {
			return nil, err
		}
		if col != nil {
			spaces[space] = col
		}
	}
	if spaces[memory.SpaceContent] == nil {
		return nil, nil
	}

	var hits []memory.Hit
	for _, id := range ids {
		if id == "" {
			continue
		}
		doc, err := spaces[memory.SpaceContent].GetByID(ctx, id)
		if err != nil {
			// chromem-go reports a missing id as an error
			continue
		}
		s.learnDimension(memory.SpaceContent, len(doc.Embedding))

		hit := memory.Hit{
			ID:       doc.ID,
			Document: doc.Content,
			Payload:  doc.Metadata,
			Vectors:  map[string][]float32{memory.SpaceContent: doc.Embedding},
		}
		for space, col := range spaces {
			if space == memory.SpaceContent {
				continue
			}
			if other, err := col.GetByID(ctx, id); err == nil {
				hit.Vectors[space] = other.Embedding
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *Store) dimension(space string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims[space]
}

func (s *Store) learnDimension(space string, n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	if _, ok := s.dims[space]; !ok {
		s.dims[space] = n
	}
	s.mu.Unlock()
}

// Count returns the number of records in the content space.
func (s *Store) Count() int {
	col, err := s.collection(memory.SpaceContent, false)
	if err != nil || col == nil {
		return 0
	}
	return col.Count()
}

// Close releases resources. Persistent DBs write on every add, so there is
// nothing to flush.
func (s *Store) Close() error {
	return nil
}

var _ memory.VectorStore = (*Store)(nil)
