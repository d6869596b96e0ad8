package memory

import (
	"context"
	"fmt"
)

// EmotionalPrefix reframes text before it is embedded into SpaceEmotional.
const EmotionalPrefix = "Emotional context of this moment: "

// SearchStrategy decides which vector spaces records and queries use.
// It is selected once at configuration time.
type SearchStrategy interface {
	// Name identifies the strategy in logs and config.
	Name() string

	// RecordVectors embeds a record about to be committed.
	RecordVectors(ctx context.Context, emb Embedder, rec *MemoryRecord) (map[string][]float32, error)

	// QueryVectors embeds a recall query, one vector per space to search.
	QueryVectors(ctx context.Context, emb Embedder, query string) (map[string][]float32, error)
}

// SingleVector embeds everything into the content space only.
type SingleVector struct{}

func (SingleVector) Name() string { return "single" }

func (SingleVector) RecordVectors(ctx context.Context, emb Embedder, rec *MemoryRecord) (map[string][]float32, error) {
	vec, err := emb.Embed(ctx, rec.FusedText)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	return map[string][]float32{SpaceContent: vec}, nil
}

func (SingleVector) QueryVectors(ctx context.Context, emb Embedder, query string) (map[string][]float32, error) {
	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return map[string][]float32{SpaceContent: vec}, nil
}

// DualVector embeds into the content space and an emotionally reframed
// paraphrase into the emotional space. Recall searches both and pools the hits.
type DualVector struct {
	// Prefix overrides EmotionalPrefix when set.
	Prefix string
}

func (d DualVector) Name() string { return "dual" }

func (d DualVector) prefix() string {
	if d.Prefix != "" {
		return d.Prefix
	}
	return EmotionalPrefix
}

func (d DualVector) RecordVectors(ctx context.Context, emb Embedder, rec *MemoryRecord) (map[string][]float32, error) {
	vectors, err := SingleVector{}.RecordVectors(ctx, emb, rec)
	if err != nil {
		return nil, err
	}
	emotional, err := emb.Embed(ctx, d.prefix()+rec.State.String()+"\n"+rec.FusedText)
	if err != nil {
		return nil, fmt.Errorf("embed emotional: %w", err)
	}
	vectors[SpaceEmotional] = emotional
	return vectors, nil
}

func (d DualVector) QueryVectors(ctx context.Context, emb Embedder, query string) (map[string][]float32, error) {
	vectors, err := SingleVector{}.QueryVectors(ctx, emb, query)
	if err != nil {
		return nil, err
	}
	emotional, err := emb.Embed(ctx, d.prefix()+query)
	if err != nil {
		return nil, fmt.Errorf("embed emotional query: %w", err)
	}
	vectors[SpaceEmotional] = emotional
	return vectors, nil
}

// StrategyByName maps a config value to a strategy. Unknown names return false.
func StrategyByName(name string) (SearchStrategy, bool) {
	switch name {
	case "", "single":
		return SingleVector{}, true
	case "dual":
		return DualVector{}, true
	}
	return nil, false
}
