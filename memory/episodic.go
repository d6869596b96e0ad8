package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/becomeliminal/halcyon/core"
)

// DefaultCommitInterval is the minimum delay between two durable commits.
const DefaultCommitInterval = 1500 * time.Millisecond

// CommitInput is one completed turn to be committed.
type CommitInput struct {
	Query      string
	Reflection string
	Response   string
	State      core.State
	Keywords   []string
	TurnID     string
}

// CommitResult reports the id a commit resolved to and whether it wrote.
type CommitResult struct {
	ID      string
	Created bool
}

// EpisodicStore is the content-addressed long-term memory.
// It owns commit and search; ranking lives in the Ranking functions.
type EpisodicStore struct {
	store    VectorStore
	embedder Embedder
	strategy SearchStrategy
	interval time.Duration
	limiter  *rate.Limiter
	logger   *log.Logger
	now      func() time.Time
}

// StoreOption configures an EpisodicStore.
type StoreOption func(*EpisodicStore)

// WithStrategy selects single or dual vector search. Default SingleVector.
func WithStrategy(s SearchStrategy) StoreOption {
	return func(e *EpisodicStore) {
		if s != nil {
			e.strategy = s
		}
	}
}

// WithCommitInterval sets the commit cooldown. Zero disables it.
func WithCommitInterval(d time.Duration) StoreOption {
	return func(e *EpisodicStore) {
		e.interval = d
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *log.Logger) StoreOption {
	return func(e *EpisodicStore) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStoreClock overrides time.Now for timestamps and decay.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(e *EpisodicStore) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEpisodicStore creates an episodic store over a vector backend.
func NewEpisodicStore(store VectorStore, embedder Embedder, opts ...StoreOption) *EpisodicStore {
	e := &EpisodicStore{
		store:    store,
		embedder: embedder,
		strategy: SingleVector{},
		interval: DefaultCommitInterval,
		logger:   log.Default().WithPrefix("episodic"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	limit := rate.Inf
	if e.interval > 0 {
		limit = rate.Every(e.interval)
	}
	e.limiter = rate.NewLimiter(limit, 1)
	return e
}

// Strategy returns the configured search strategy.
func (e *EpisodicStore) Strategy() SearchStrategy {
	return e.strategy
}

// Commit writes a turn as a MemoryRecord. Identical query, reflection and
// response always resolve to the same id; if that id already exists nothing
// is embedded or written and Created is false.
func (e *EpisodicStore) Commit(ctx context.Context, in CommitInput) (CommitResult, error) {
	fused := FuseText(in.Query, in.Reflection, in.Response)
	id := ContentID(fused)

	existing, err := e.store.Retrieve(ctx, id)
	if err != nil {
		return CommitResult{ID: id}, fmt.Errorf("check existing %s: %w", short(id), err)
	}
	if len(existing) > 0 {
		e.logger.Info("duplicate memory, skipping", "id", short(id))
		return CommitResult{ID: id}, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return CommitResult{ID: id}, fmt.Errorf("commit cooldown: %w", err)
	}

	keywords := in.Keywords
	if len(keywords) > MaxKeywords {
		keywords = keywords[:MaxKeywords]
	}
	rec := &MemoryRecord{
		ID:              id,
		FusedText:       fused,
		Query:           strings.TrimSpace(in.Query),
		Reflection:      strings.TrimSpace(in.Reflection),
		ResponsePreview: truncate(strings.TrimSpace(in.Response), ResponsePreviewLen),
		TurnID:          in.TurnID,
		MemoryType:      MemoryTypeDualPerspective,
		Timestamp:       e.now(),
		ManualWeight:    1.0,
		State:           in.State,
		Keywords:        keywords,
	}

	vectors, err := e.strategy.RecordVectors(ctx, e.embedder, rec)
	if err != nil {
		return CommitResult{ID: id}, err
	}
	if err := e.store.Upsert(ctx, id, vectors, fused, rec.Payload()); err != nil {
		return CommitResult{ID: id}, fmt.Errorf("upsert %s: %w", short(id), err)
	}

	e.logger.Info("committed memory", "id", short(id), "strategy", e.strategy.Name(), "state", in.State.String())
	return CommitResult{ID: id, Created: true}, nil
}

// Search runs one similarity search per vector space and returns the raw
// hits tagged with their space. No ranking is applied.
func (e *EpisodicStore) Search(ctx context.Context, vectors map[string][]float32, k int) ([]Candidate, error) {
	if k <= 0 {
		k = DefaultRecallK
	}
	spaces := make([]string, 0, len(vectors))
	for space := range vectors {
		spaces = append(spaces, space)
	}
	sort.Strings(spaces)

	var out []Candidate
	for _, space := range spaces {
		hits, err := e.store.Search(ctx, space, vectors[space], k)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", space, err)
		}
		for _, h := range hits {
			out = append(out, Candidate{Hit: h, Space: space})
		}
	}
	return out, nil
}

// Candidates embeds the query with the configured strategy, searches every
// space and scores the hits. Hits found in both spaces are deduplicated.
func (e *EpisodicStore) Candidates(ctx context.Context, query string, k int) ([]Entry, error) {
	vectors, err := e.strategy.QueryVectors(ctx, e.embedder, query)
	if err != nil {
		return nil, err
	}
	hits, err := e.Search(ctx, vectors, k)
	if err != nil {
		return nil, err
	}

	now := e.now()
	entries := make([]Entry, 0, len(hits))
	for _, h := range hits {
		entries = append(entries, ScoreCandidate(h, now))
	}
	entries = Dedupe(entries)

	for i, m := range entries {
		e.logger.Debug("recall candidate",
			"idx", i+1,
			"decay", round3(m.Decay),
			"weight", round3(m.Weight),
			"dist", round3(m.Distance),
			"age_days", round3(m.AgeDays),
			"space", m.Space,
			"text", truncate(strings.ReplaceAll(m.Text, "\n", " "), 60),
		)
	}
	return entries, nil
}

// AdjustWeight pins a record: manual_weight becomes max(1.0, weight).
// Unknown ids return ErrNotFound.
func (e *EpisodicStore) AdjustWeight(ctx context.Context, id string, weight float64) error {
	hits, err := e.store.Retrieve(ctx, id)
	if err != nil {
		return fmt.Errorf("retrieve %s: %w", short(id), err)
	}
	if len(hits) == 0 {
		return fmt.Errorf("adjust weight %s: %w", short(id), ErrNotFound)
	}
	hit := hits[0]

	payload := make(map[string]string, len(hit.Payload)+1)
	for k, v := range hit.Payload {
		payload[k] = v
	}
	w := math.Max(1.0, weight)
	payload[KeyManualWeight] = fmt.Sprintf("%g", w)

	if err := e.store.Upsert(ctx, id, hit.Vectors, hit.Document, payload); err != nil {
		return fmt.Errorf("update %s: %w", short(id), err)
	}
	e.logger.Info("adjusted weight", "id", short(id), "manual_weight", w)
	return nil
}

// List returns up to limit stored records, newest first. limit <= 0 returns all.
func (e *EpisodicStore) List(ctx context.Context, limit int) ([]*MemoryRecord, error) {
	n := e.store.Count()
	if n == 0 {
		return nil, nil
	}

	// any query vector reaches every record when k covers the whole space
	vectors, err := SingleVector{}.QueryVectors(ctx, e.embedder, "memories")
	if err != nil {
		return nil, err
	}
	hits, err := e.store.Search(ctx, SpaceContent, vectors[SpaceContent], n)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", SpaceContent, err)
	}

	records := make([]*MemoryRecord, 0, len(hits))
	for _, h := range hits {
		records = append(records, recordFromHit(h))
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Get returns a stored record or ErrNotFound.
func (e *EpisodicStore) Get(ctx context.Context, id string) (*MemoryRecord, error) {
	hits, err := e.store.Retrieve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", short(id), err)
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("get %s: %w", short(id), ErrNotFound)
	}
	return recordFromHit(hits[0]), nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
