// Package resilient wraps an embedding backend with a cache and a degraded
// fallback, so a failing backend never fails a commit or a recall.
package resilient

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/halcyon/memory"
	"github.com/becomeliminal/halcyon/memory/embedder/hash"
)

// DefaultCacheEntries bounds the embedding cache.
const DefaultCacheEntries = 4096

// Embedder calls the primary embedder and falls back to a hash embedding
// of the same dimensionality when it fails. Primary results are cached by
// text; fallback vectors never are.
//
// The fallback length follows the vectors the primary actually returns,
// not the size it reports, so a misconfigured dimension cannot mix vector
// lengths in one collection.
type Embedder struct {
	primary  memory.Embedder
	observed atomic.Int64 // length of the primary's vectors, 0 until one succeeds
	cache    *ristretto.Cache
	logger   *log.Logger
}

// Option configures an Embedder.
type Option func(*config)

type config struct {
	entries int64
	logger  *log.Logger
}

// WithCacheEntries sets the cache size in entries. Zero disables caching.
func WithCacheEntries(n int64) Option {
	return func(c *config) {
		c.entries = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wraps primary.
func New(primary memory.Embedder, opts ...Option) (*Embedder, error) {
	cfg := config{
		entries: DefaultCacheEntries,
		logger:  log.Default().WithPrefix("embedder"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Embedder{
		primary: primary,
		logger:  cfg.logger,
	}
	if cfg.entries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters:        cfg.entries * 10,
			MaxCost:            cfg.entries,
			BufferItems:        64,
			IgnoreInternalCost: true, // cost counts entries, not bytes
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// Embed returns the primary embedding of text, or the hash fallback.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(text); ok {
			return v.([]float32), nil
		}
	}

	vec, err := e.primary.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("embedding backend failed, using degraded hash embedding", "err", err, "dims", e.Dimensions())
		return hash.New(e.Dimensions()).Embed(ctx, text)
	}
	e.observe(len(vec))

	if e.cache != nil {
		e.cache.Set(text, vec, 1)
		e.cache.Wait()
	}
	return vec, nil
}

// Dimensions returns the length of the primary's vectors once one has been
// seen, and the primary's reported size before that.
func (e *Embedder) Dimensions() int {
	if n := e.observed.Load(); n > 0 {
		return int(n)
	}
	return e.primary.Dimensions()
}

func (e *Embedder) observe(n int) {
	if n == 0 || !e.observed.CompareAndSwap(0, int64(n)) {
		return
	}
	if reported := e.primary.Dimensions(); reported != n {
		e.logger.Warn("embedding backend returns a different size than configured",
			"configured", reported, "actual", n)
	}
}

// Close releases the cache.
func (e *Embedder) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}
